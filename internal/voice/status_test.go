package voice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/huddle/internal/peer"
	"github.com/MrWong99/huddle/internal/signaling"
	"github.com/MrWong99/huddle/internal/voice"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	p := newParticipant(t, "me", tr, nil)

	if st := p.client.Status(); st.Joined || len(st.Peers) != 0 || st.ChannelID != "room" {
		t.Errorf("status before join = %+v", st)
	}

	p.join(t)
	tr.deliver(t, signaling.EventVoiceChannelUsers, users("me", "a"))
	p.sync(t)
	p.client.SetMuted(context.Background(), true)

	rec := httptest.NewRecorder()
	p.client.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var st voice.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	if !st.Joined || !st.Muted {
		t.Errorf("joined=%v muted=%v, want both true", st.Joined, st.Muted)
	}
	if len(st.Members) != 2 {
		t.Errorf("members = %+v, want me and a", st.Members)
	}
	if len(st.Peers) != 1 || st.Peers[0].ID != "a" || st.Peers[0].Phase != peer.PhaseOfferSent {
		t.Errorf("peers = %+v, want a in offer-sent", st.Peers)
	}
}
