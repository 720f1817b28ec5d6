package peer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/huddle/internal/media"
	audiomock "github.com/MrWong99/huddle/pkg/audio/mock"
	"github.com/MrWong99/huddle/pkg/audio/opus"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
	rtcmock "github.com/MrWong99/huddle/pkg/audio/webrtc/mock"
)

// capture records outbound messages and optionally forwards them.
type capture struct {
	mu      sync.Mutex
	msgs    []Message
	forward func(Message)
	err     error
}

func (c *capture) Signal(_ context.Context, m Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	fwd, err := c.forward, c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if fwd != nil {
		fwd(m)
	}
	return nil
}

func (c *capture) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *capture) ofType(t MessageType) []Message {
	var out []Message
	for _, m := range c.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// node is one participant: a registry and engine over mock transports.
type node struct {
	id      string
	factory *rtcmock.Factory
	reg     *Registry
	eng     *Engine
	out     *capture

	mu     sync.Mutex
	remote []string
	closed []string
}

func newNode(t *testing.T, id string, m LocalMedia) *node {
	t.Helper()
	n := &node{id: id, factory: &rtcmock.Factory{}, out: &capture{}}
	n.reg = NewRegistry(RegistryConfig{Transports: n.factory, Media: m})
	n.eng = NewEngine(EngineConfig{
		LocalID:  id,
		Registry: n.reg,
		Signaler: n.out,
		OnRemoteTrack: func(peerID string, tr webrtc.RemoteTrack) {
			n.mu.Lock()
			n.remote = append(n.remote, peerID+"/"+tr.ID())
			n.mu.Unlock()
		},
		OnClosed: func(peerID string) {
			n.mu.Lock()
			n.closed = append(n.closed, peerID)
			n.mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = n.reg.CloseAll() })
	return n
}

func (n *node) closedPeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.closed...)
}

func (n *node) remoteTracks() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.remote...)
}

// session returns the open session for id or fails the test.
func (n *node) session(t *testing.T, id string) *Session {
	t.Helper()
	s, ok := n.reg.Get(id)
	if !ok {
		t.Fatalf("%s: no session for %s", n.id, id)
	}
	return s
}

func (n *node) transport(t *testing.T, id string) *rtcmock.Transport {
	t.Helper()
	tr := n.factory.Transport(id)
	if tr == nil {
		t.Fatalf("%s: no transport for %s", n.id, id)
	}
	return tr
}

// link forwards the outbound messages of a to b and of b to a.
func link(a, b *node) {
	a.out.mu.Lock()
	a.out.forward = b.eng.HandleSignal
	a.out.mu.Unlock()
	b.out.mu.Lock()
	b.out.forward = a.eng.HandleSignal
	b.out.mu.Unlock()
}

// settle drains the session queues of every node until nothing is left to
// propagate between them.
func settle(t *testing.T, nodes ...*node) {
	t.Helper()
	for range 8 {
		for _, n := range nodes {
			if !n.reg.Sync(2 * time.Second) {
				t.Fatalf("%s: sessions did not settle", n.id)
			}
		}
	}
}

type nopEncoder struct{}

func (nopEncoder) Encode([]byte) ([]byte, error) { return []byte{0}, nil }

// newMedia returns a source with an acquired stream.
func newMedia(t *testing.T) *media.Source {
	t.Helper()
	src := media.NewSource(media.SourceConfig{
		Devices:    &audiomock.DeviceProvider{OpenResult: audiomock.NewCaptureDevice("mic", opus.Format)},
		Tracks:     &rtcmock.Factory{},
		NewEncoder: func() (opus.Encoder, error) { return nopEncoder{}, nil },
	})
	if _, err := src.Acquire(context.Background(), ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(src.Teardown)
	return src
}

func candidate(i int) webrtc.ICECandidate {
	return webrtc.ICECandidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", i, 5000+i)}
}

func offerFrom(sender, sdp string) Message {
	return Message{
		Type:        MessageOffer,
		SenderID:    sender,
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
	}
}

func answerFrom(sender, sdp string) Message {
	return Message{
		Type:        MessageAnswer,
		SenderID:    sender,
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp},
	}
}

func candidateFrom(sender string, i int) Message {
	c := candidate(i)
	return Message{Type: MessageICECandidate, SenderID: sender, Candidate: &c}
}
