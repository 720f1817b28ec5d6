package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/huddle/internal/signaling"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// recorder collects every payload delivered for the registered events.
type recorder struct {
	mu     sync.Mutex
	events []string
	data   map[string][]json.RawMessage
}

func record(e *signaling.Endpoint, events ...string) *recorder {
	r := &recorder{data: make(map[string][]json.RawMessage)}
	for _, ev := range events {
		e.On(ev, func(_ context.Context, data json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
			r.data[ev] = append(r.data[ev], data)
		})
	}
	return r
}

func (r *recorder) count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data[ev])
}

func (r *recorder) last(t *testing.T, ev string) json.RawMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.data[ev]
	if len(list) == 0 {
		t.Fatalf("no %s delivered", ev)
	}
	return list[len(list)-1]
}

func join(t *testing.T, e *signaling.Endpoint, channel string) {
	t.Helper()
	if err := e.Emit(context.Background(), signaling.EventJoinVoiceChannel, signaling.JoinVoiceChannel{ChannelID: channel}); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestHub_JoinBroadcastsRoster(t *testing.T) {
	t.Parallel()
	hub := signaling.NewHub()
	alice := hub.Connect("alice", "Alice")
	defer alice.Close()
	bob := hub.Connect("bob", "Bob")
	defer bob.Close()

	ra := record(alice, signaling.EventVoiceChannelUsers, signaling.EventUserJoinedVoice)
	rb := record(bob, signaling.EventVoiceChannelUsers, signaling.EventUserJoinedVoice)

	join(t, alice, "lobby")
	join(t, bob, "lobby")
	alice.Wait()
	bob.Wait()

	if ra.count(signaling.EventVoiceChannelUsers) != 2 || rb.count(signaling.EventVoiceChannelUsers) != 1 {
		t.Fatalf("roster deliveries alice=%d bob=%d, want 2 and 1",
			ra.count(signaling.EventVoiceChannelUsers), rb.count(signaling.EventVoiceChannelUsers))
	}
	roster, err := signaling.Decode[signaling.VoiceChannelUsers](rb.last(t, signaling.EventVoiceChannelUsers))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(roster.Users) != 2 || roster.Users[0].UserID != "alice" || roster.Users[1].Username != "Bob" {
		t.Errorf("roster = %+v", roster.Users)
	}
	joined, err := signaling.Decode[signaling.User](ra.last(t, signaling.EventUserJoinedVoice))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if joined.UserID != "bob" {
		t.Errorf("user_joined_voice = %+v, want bob", joined)
	}
	if got := hub.Members("lobby"); len(got) != 2 {
		t.Errorf("Members = %v", got)
	}
}

func TestHub_VoiceSignalStampsSender(t *testing.T) {
	t.Parallel()
	hub := signaling.NewHub()
	alice := hub.Connect("alice", "Alice")
	defer alice.Close()
	bob := hub.Connect("bob", "Bob")
	defer bob.Close()
	rb := record(bob, signaling.EventVoiceSignal)

	// Not in a voice channel yet: dropped.
	offer := signaling.VoiceSignal{
		Type:        signaling.SignalOffer,
		SDP:         &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		RecipientID: "bob",
	}
	if err := alice.Emit(context.Background(), signaling.EventVoiceSignal, offer); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	bob.Wait()
	if rb.count(signaling.EventVoiceSignal) != 0 {
		t.Fatal("signal delivered to a participant outside any voice channel")
	}

	join(t, alice, "lobby")
	join(t, bob, "lobby")
	if err := alice.Emit(context.Background(), signaling.EventVoiceSignal, offer); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	bob.Wait()

	got, err := signaling.Decode[signaling.VoiceSignal](rb.last(t, signaling.EventVoiceSignal))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SenderID != "alice" || got.SenderName != "Alice" || got.SDP == nil || got.SDP.SDP != "v=0" {
		t.Errorf("delivered = %+v", got)
	}
}

func TestHub_SpeakingAndMuteSkipSender(t *testing.T) {
	t.Parallel()
	hub := signaling.NewHub()
	alice := hub.Connect("alice", "Alice")
	defer alice.Close()
	bob := hub.Connect("bob", "Bob")
	defer bob.Close()
	ra := record(alice, signaling.EventUserSpeaking, signaling.EventUserMuteStatus)
	rb := record(bob, signaling.EventUserSpeaking, signaling.EventUserMuteStatus)
	join(t, alice, "lobby")
	join(t, bob, "lobby")

	ctx := context.Background()
	if err := alice.Emit(ctx, signaling.EventUserSpeakingStatus, signaling.SpeakingStatus{Speaking: true, ChannelID: "lobby"}); err != nil {
		t.Fatal(err)
	}
	if err := alice.Emit(ctx, signaling.EventUpdateMuteStatus, signaling.MuteStatus{IsMuted: true}); err != nil {
		t.Fatal(err)
	}
	alice.Wait()
	bob.Wait()

	if ra.count(signaling.EventUserSpeaking) != 0 || ra.count(signaling.EventUserMuteStatus) != 0 {
		t.Error("sender received its own status")
	}
	sp, _ := signaling.Decode[signaling.UserSpeaking](rb.last(t, signaling.EventUserSpeaking))
	if sp.UserID != "alice" || !sp.Speaking {
		t.Errorf("user_speaking = %+v", sp)
	}
	mu, _ := signaling.Decode[signaling.UserMuteStatus](rb.last(t, signaling.EventUserMuteStatus))
	if mu.UserID != "alice" || !mu.IsMuted {
		t.Errorf("user_mute_status = %+v", mu)
	}
}

func TestHub_LeaveAndClose(t *testing.T) {
	t.Parallel()
	hub := signaling.NewHub()
	alice := hub.Connect("alice", "Alice")
	defer alice.Close()
	bob := hub.Connect("bob", "Bob")
	carol := hub.Connect("carol", "Carol")
	ra := record(alice, signaling.EventUserLeftVoice)
	join(t, alice, "lobby")
	join(t, bob, "lobby")
	join(t, carol, "lobby")

	if err := bob.Emit(context.Background(), signaling.EventLeaveVoiceChannel, nil); err != nil {
		t.Fatal(err)
	}
	carol.Close()
	carol.Close()
	alice.Wait()

	if ra.count(signaling.EventUserLeftVoice) != 2 {
		t.Fatalf("user_left_voice count = %d, want 2", ra.count(signaling.EventUserLeftVoice))
	}
	if got := hub.Members("lobby"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("Members = %v, want [alice]", got)
	}
	if err := carol.Emit(context.Background(), signaling.EventLeaveVoiceChannel, nil); !errors.Is(err, signaling.ErrTransportUnavailable) {
		t.Errorf("Emit after Close = %v, want ErrTransportUnavailable", err)
	}
	bob.Close()
}

func TestEndpoint_OfflineAndReconnect(t *testing.T) {
	t.Parallel()
	hub := signaling.NewHub()
	e := hub.Connect("alice", "Alice")
	defer e.Close()
	r := record(e, signaling.EventConnect)
	e.Wait()

	e.SetOnline(false)
	if e.Ready() {
		t.Error("Ready while offline")
	}
	if err := e.Emit(context.Background(), signaling.EventLeaveVoiceChannel, nil); !errors.Is(err, signaling.ErrTransportUnavailable) {
		t.Errorf("Emit offline = %v, want ErrTransportUnavailable", err)
	}
	e.SetOnline(true)
	e.Wait()
	if !e.Ready() {
		t.Error("not Ready after reconnect")
	}
	// Handler was registered after the initial connect may have fired, so
	// only the reconnect is guaranteed to be observed.
	if r.count(signaling.EventConnect) < 1 {
		t.Error("connect not dispatched on reconnect")
	}
}

func TestHub_RedeliveryIsDeduplicated(t *testing.T) {
	t.Parallel()
	hub := signaling.NewHub(signaling.WithRedelivery())
	alice := hub.Connect("alice", "Alice")
	defer alice.Close()
	bob := hub.Connect("bob", "Bob")
	defer bob.Close()
	rb := record(bob, signaling.EventUserSpeaking)
	join(t, alice, "lobby")
	join(t, bob, "lobby")

	if err := alice.Emit(context.Background(), signaling.EventUserSpeakingStatus, signaling.SpeakingStatus{Speaking: true, ChannelID: "lobby"}); err != nil {
		t.Fatal(err)
	}
	bob.Wait()
	if got := rb.count(signaling.EventUserSpeaking); got != 1 {
		t.Errorf("user_speaking delivered %d times, want 1", got)
	}
}
