package peer

import (
	"errors"
	"testing"

	rtcmock "github.com/MrWong99/huddle/pkg/audio/webrtc/mock"
)

func TestGetOrCreate_Idempotent(t *testing.T) {
	t.Parallel()
	src := newMedia(t)
	n := newNode(t, "alice", src)

	s1, err := n.reg.GetOrCreate("bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := n.reg.GetOrCreate("bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s1 != s2 {
		t.Fatal("GetOrCreate returned different sessions for the same id")
	}
	if got := len(n.factory.Transports("bob")); got != 1 {
		t.Errorf("transports = %d, want 1", got)
	}
	if s1.Phase() != PhaseNew || s1.Trackless() {
		t.Errorf("phase = %v trackless = %v", s1.Phase(), s1.Trackless())
	}

	tr := n.transport(t, "bob")
	tracks := tr.AttachedTracks()
	if len(tracks) != 1 || tracks[0] != src.Stream().LocalTracks()[0] {
		t.Errorf("attached tracks = %v", tracks)
	}
	if tr.CallCountOnICE != 1 || tr.CallCountOnState != 1 || tr.CallCountOnTrack != 1 {
		t.Errorf("hooks registered ice=%d state=%d track=%d, want 1 each",
			tr.CallCountOnICE, tr.CallCountOnState, tr.CallCountOnTrack)
	}
}

func TestGetOrCreate_Trackless(t *testing.T) {
	t.Parallel()
	n := newNode(t, "alice", nil)
	s, err := n.reg.GetOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Trackless() {
		t.Error("session without local media not marked track-less")
	}
	if len(n.transport(t, "bob").AttachedTracks()) != 0 {
		t.Error("tracks attached without local media")
	}
}

func TestGetOrCreate_UnsupportedEnvironment(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(RegistryConfig{})
	s, err := reg.GetOrCreate("bob")
	if !errors.Is(err, ErrUnsupportedEnvironment) {
		t.Fatalf("err = %v, want ErrUnsupportedEnvironment", err)
	}
	if s != nil {
		t.Error("session returned without transport support")
	}

	eng := NewEngine(EngineConfig{LocalID: "alice", Registry: reg, Signaler: &capture{}})
	if err := eng.Initiate("bob"); !errors.Is(err, ErrUnsupportedEnvironment) {
		t.Errorf("Initiate err = %v", err)
	}
}

func TestGetOrCreate_TransportError(t *testing.T) {
	t.Parallel()
	cause := errors.New("no sockets")
	reg := NewRegistry(RegistryConfig{Transports: &rtcmock.Factory{NewTransportErr: cause}})
	_, err := reg.GetOrCreate("bob")
	if !errors.Is(err, cause) || !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err = %v", err)
	}
	if reg.Len() != 0 {
		t.Error("failed creation left a session")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	n := newNode(t, "alice", nil)
	s, err := n.reg.GetOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	n.reg.Close("bob")
	n.reg.Close("bob")
	n.reg.Close("nobody")

	if _, ok := n.reg.Get("bob"); ok {
		t.Error("session still registered")
	}
	if s.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", s.Phase())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	if got := n.transport(t, "bob").CallCountClose; got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}

	again, err := n.reg.GetOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	if again == s || again.Phase() != PhaseNew {
		t.Error("recreated session does not start fresh")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	src := newMedia(t)
	n := newNode(t, "alice", src)
	for _, id := range []string{"bob", "carol", "dave"} {
		if _, err := n.reg.GetOrCreate(id); err != nil {
			t.Fatal(err)
		}
	}
	stream := src.Stream()

	if err := n.reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if n.reg.Len() != 0 {
		t.Errorf("sessions = %d after CloseAll", n.reg.Len())
	}
	for _, tr := range n.factory.Created {
		if !tr.Closed() {
			t.Errorf("transport for %s not closed", tr.PeerID)
		}
	}
	if src.Stream() != nil || !stream.Tracks()[0].Stopped() {
		t.Error("local media not torn down")
	}
	if err := n.reg.CloseAll(); err != nil {
		t.Errorf("second CloseAll: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	n := newNode(t, "alice", nil)
	n.eng.HandleSignal(candidateFrom("carol", 1))
	n.eng.HandleSignal(offerFrom("bob", "offer"))
	settle(t, n)

	got := n.reg.Snapshot()
	if len(got) != 2 {
		t.Fatalf("snapshot = %+v", got)
	}
	if got[0].ID != "bob" || got[0].Phase != PhaseAnswerSent || !got[0].Trackless {
		t.Errorf("bob = %+v", got[0])
	}
	if got[1].ID != "carol" || got[1].Phase != PhaseNew || got[1].PendingICE != 1 {
		t.Errorf("carol = %+v", got[1])
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p    Phase
		want string
	}{
		{PhaseNew, "new"},
		{PhaseOfferSent, "offer_sent"},
		{PhaseOfferReceived, "offer_received"},
		{PhaseAnswerSent, "answer_sent"},
		{PhaseAnswerReceived, "answer_received"},
		{PhaseStable, "stable"},
		{PhaseClosed, "closed"},
		{Phase(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.p.String(); got != tc.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tc.p, got, tc.want)
		}
		if tc.want == "unknown" {
			continue
		}
		var back Phase
		if err := back.UnmarshalText([]byte(tc.want)); err != nil || back != tc.p {
			t.Errorf("UnmarshalText(%q) = %v, %v", tc.want, back, err)
		}
	}
	var p Phase
	if err := p.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) succeeded")
	}
}
