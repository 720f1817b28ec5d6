package voice_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/huddle/internal/peer"
	"github.com/MrWong99/huddle/internal/signaling"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// hubParticipant joins a client through an in-process relay endpoint.
func hubParticipant(t *testing.T, hub *signaling.Hub, id string) (*participant, *signaling.Endpoint) {
	t.Helper()
	ep := hub.Connect(signaling.ParticipantID(id), "name-"+id)
	t.Cleanup(ep.Close)
	p := newParticipant(t, id, ep, nil)
	p.join(t)
	return p, ep
}

func phaseOf(p *participant, id string) peer.Phase {
	s, ok := p.client.Peers().Get(id)
	if !ok {
		return peer.PhaseClosed
	}
	return s.Phase()
}

func TestHub_NewcomerNegotiatesWithMember(t *testing.T) {
	t.Parallel()

	hub := signaling.NewHub(signaling.WithRedelivery())
	alice, _ := hubParticipant(t, hub, "alice")
	eventually(t, "alice roster", func() bool { return alice.client.Roster().Len() == 1 })

	bob, _ := hubParticipant(t, hub, "bob")

	eventually(t, "bob stable", func() bool { return phaseOf(bob, "alice") == peer.PhaseStable })
	eventually(t, "alice answered", func() bool { return phaseOf(alice, "bob") == peer.PhaseAnswerSent })

	if got := alice.peers.CreatedFor; len(got) != 1 || got[0] != "bob" {
		t.Errorf("alice transports = %v, want [bob]", got)
	}
	if n := alice.peers.Transport("bob").CallCountCreateOffer; n != 0 {
		t.Errorf("alice created %d offers, want 0", n)
	}

	alice.peers.Transport("bob").EmitState(webrtc.ConnectionStateConnected)
	eventually(t, "alice stable", func() bool { return phaseOf(alice, "bob") == peer.PhaseStable })

	for _, p := range []*participant{alice, bob} {
		if n := p.client.Roster().Len(); n != 2 {
			t.Errorf("%s roster size = %d, want 2", p.id, n)
		}
	}
}

func TestHub_SpeakingAndMuteFanOut(t *testing.T) {
	t.Parallel()

	hub := signaling.NewHub()
	alice, _ := hubParticipant(t, hub, "alice")
	bob, _ := hubParticipant(t, hub, "bob")
	eventually(t, "rosters", func() bool {
		return alice.client.Roster().Len() == 2 && bob.client.Roster().Len() == 2
	})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !bob.mic.Push(tone()) {
					return
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	eventually(t, "bob speaking locally", bob.client.Speaking)
	eventually(t, "alice sees bob speaking", func() bool {
		m, _ := alice.client.Roster().Get("bob")
		return m.Speaking
	})
	if !alice.indicator.isSpeaking("bob") {
		t.Error("alice indicator not speaking")
	}

	bob.client.SetMuted(context.Background(), true)
	eventually(t, "alice sees bob muted", func() bool {
		m, _ := alice.client.Roster().Get("bob")
		return m.Muted && !m.Speaking
	})
	// Muted input reads as silence even while the tone keeps playing.
	eventually(t, "bob stops speaking", func() bool { return !bob.client.Speaking() })

	bob.client.SetMuted(context.Background(), false)
	eventually(t, "alice sees bob unmuted", func() bool {
		m, _ := alice.client.Roster().Get("bob")
		return !m.Muted
	})
	eventually(t, "bob speaking again", bob.client.Speaking)
}

func TestHub_LeaveClosesRemoteSession(t *testing.T) {
	t.Parallel()

	hub := signaling.NewHub()
	alice, _ := hubParticipant(t, hub, "alice")
	bob, _ := hubParticipant(t, hub, "bob")
	eventually(t, "alice session", func() bool { return phaseOf(alice, "bob") == peer.PhaseAnswerSent })

	if err := bob.client.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	eventually(t, "alice drops bob", func() bool {
		_, ok := alice.client.Roster().Get("bob")
		return !ok && alice.client.Peers().Len() == 0
	})
	if !alice.indicator.wasRemoved("bob") {
		t.Error("alice indicator for bob not removed")
	}
	if got := hub.Members("room"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("hub members = %v, want [alice]", got)
	}
}
