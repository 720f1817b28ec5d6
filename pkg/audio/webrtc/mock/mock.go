// Package mock provides in-memory implementations of the [webrtc.Factory],
// [webrtc.PeerTransport], [webrtc.LocalTrack] and [webrtc.RemoteTrack]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. Callbacks registered by the
// code under test can be fired with the Emit* helpers.
//
// Typical usage:
//
//	f := &mock.Factory{}
//	registry := peer.NewRegistry(f, ...)
//	...
//	tr := f.Transport("bob")
//	tr.EmitState(webrtc.ConnectionStateFailed)
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// ─── Factory ──────────────────────────────────────────────────────────────────

// Factory is a mock [webrtc.Factory] and [webrtc.TrackFactory]. Every
// NewTransport call creates a fresh [Transport].
type Factory struct {
	mu sync.Mutex

	// NewTransportErr, when non-nil, is returned by NewTransport.
	NewTransportErr error

	// Configure, when non-nil, is called with every new transport before it is
	// returned, so tests can set error fields up front.
	Configure func(peerID string, t *Transport)

	// Created holds every transport in creation order.
	Created []*Transport

	// CreatedFor holds the peer ID passed to each NewTransport call.
	CreatedFor []string
}

// NewTransport implements [webrtc.Factory].
func (f *Factory) NewTransport(peerID string) (webrtc.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewTransportErr != nil {
		return nil, f.NewTransportErr
	}
	t := &Transport{PeerID: peerID}
	if f.Configure != nil {
		f.Configure(peerID, t)
	}
	f.Created = append(f.Created, t)
	f.CreatedFor = append(f.CreatedFor, peerID)
	return t, nil
}

// NewLocalTrack implements [webrtc.TrackFactory].
func (f *Factory) NewLocalTrack(id, streamID string) (webrtc.LocalTrack, error) {
	return &Track{TrackID: id, Stream: streamID}, nil
}

// Transport returns the most recently created transport for peerID, or nil.
func (f *Factory) Transport(peerID string) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Created) - 1; i >= 0; i-- {
		if f.CreatedFor[i] == peerID {
			return f.Created[i]
		}
	}
	return nil
}

// Transports returns every transport created for peerID in creation order.
func (f *Factory) Transports(peerID string) []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Transport
	for i, id := range f.CreatedFor {
		if id == peerID {
			out = append(out, f.Created[i])
		}
	}
	return out
}

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock [webrtc.PeerTransport]. Offers and answers are
// generated as "offer-<peer>-<n>" / "answer-<peer>-<n>" unless overridden.
type Transport struct {
	mu sync.Mutex

	// PeerID is the peer the transport was created for.
	PeerID string

	// Error injection. Each field, when non-nil, is returned by the
	// corresponding method.
	CreateOfferErr          error
	CreateAnswerErr         error
	SetLocalDescriptionErr  error
	SetRemoteDescriptionErr error
	AddICECandidateErr      error
	AddTrackErr             error

	// Block, when non-nil, makes CreateOffer and CreateAnswer wait until it is
	// closed. Tests use it to hold a negotiation step in flight.
	Block chan struct{}

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	closed bool
	seq    int

	onICE   func(webrtc.ICECandidate)
	onState func(webrtc.ConnectionState)
	onTrack func(webrtc.RemoteTrack)

	// Recorded calls.
	AppliedCandidates    []webrtc.ICECandidate
	Tracks               []webrtc.LocalTrack
	LocalDescriptions    []webrtc.SessionDescription
	RemoteDescriptions   []webrtc.SessionDescription
	CallCountClose       int
	CallCountOnICE       int
	CallCountOnState     int
	CallCountOnTrack     int
	CallCountCreateOffer int
}

func (t *Transport) wait(ctx context.Context) error {
	t.mu.Lock()
	block := t.Block
	t.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateOffer implements [webrtc.PeerTransport].
func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := t.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountCreateOffer++
	if t.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, t.CreateOfferErr
	}
	t.seq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", t.PeerID, t.seq)}, nil
}

// CreateAnswer implements [webrtc.PeerTransport]. It fails when no remote
// offer has been set, like a real peer connection.
func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := t.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, t.CreateAnswerErr
	}
	if t.remote == nil || t.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("mock: create answer without remote offer")
	}
	t.seq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", t.PeerID, t.seq)}, nil
}

// SetLocalDescription implements [webrtc.PeerTransport].
func (t *Transport) SetLocalDescription(_ context.Context, desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SetLocalDescriptionErr != nil {
		return t.SetLocalDescriptionErr
	}
	t.local = &desc
	t.LocalDescriptions = append(t.LocalDescriptions, desc)
	return nil
}

// SetRemoteDescription implements [webrtc.PeerTransport].
func (t *Transport) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SetRemoteDescriptionErr != nil {
		return t.SetRemoteDescriptionErr
	}
	t.remote = &desc
	t.RemoteDescriptions = append(t.RemoteDescriptions, desc)
	return nil
}

// LocalDescription implements [webrtc.PeerTransport].
func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return nil
	}
	d := *t.local
	return &d
}

// RemoteDescription implements [webrtc.PeerTransport].
func (t *Transport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return nil
	}
	d := *t.remote
	return &d
}

// AddICECandidate implements [webrtc.PeerTransport]. It fails when the
// remote description is not set, like a real peer connection.
func (t *Transport) AddICECandidate(_ context.Context, c webrtc.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return fmt.Errorf("mock: add candidate without remote description")
	}
	if t.AddICECandidateErr != nil {
		return t.AddICECandidateErr
	}
	t.AppliedCandidates = append(t.AppliedCandidates, c)
	return nil
}

// AddTrack implements [webrtc.PeerTransport].
func (t *Transport) AddTrack(track webrtc.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AddTrackErr != nil {
		return t.AddTrackErr
	}
	t.Tracks = append(t.Tracks, track)
	return nil
}

// OnICECandidate implements [webrtc.PeerTransport].
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
	t.CallCountOnICE++
}

// OnConnectionStateChange implements [webrtc.PeerTransport].
func (t *Transport) OnConnectionStateChange(fn func(webrtc.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
	t.CallCountOnState++
}

// OnTrack implements [webrtc.PeerTransport].
func (t *Transport) OnTrack(fn func(webrtc.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
	t.CallCountOnTrack++
}

// Close implements [webrtc.PeerTransport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	t.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Applied returns a copy of the candidates applied so far.
func (t *Transport) Applied() []webrtc.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidate(nil), t.AppliedCandidates...)
}

// AttachedTracks returns a copy of the tracks added so far.
func (t *Transport) AttachedTracks() []webrtc.LocalTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.LocalTrack(nil), t.Tracks...)
}

// EmitICECandidate fires the registered candidate callback.
func (t *Transport) EmitICECandidate(c webrtc.ICECandidate) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitState fires the registered connection-state callback.
func (t *Transport) EmitState(s webrtc.ConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitTrack fires the registered remote-track callback.
func (t *Transport) EmitTrack(r webrtc.RemoteTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// ─── Tracks ───────────────────────────────────────────────────────────────────

// Track is a mock [webrtc.LocalTrack] that records written samples.
type Track struct {
	mu sync.Mutex

	TrackID string
	Stream  string

	// WriteErr, when non-nil, is returned by WriteSample.
	WriteErr error

	// Samples records every payload written.
	Samples [][]byte
}

func (t *Track) ID() string       { return t.TrackID }
func (t *Track) StreamID() string { return t.Stream }

// WriteSample implements [webrtc.LocalTrack].
func (t *Track) WriteSample(payload []byte, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteErr != nil {
		return t.WriteErr
	}
	t.Samples = append(t.Samples, append([]byte(nil), payload...))
	return nil
}

// Written returns a copy of the recorded samples.
func (t *Track) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.Samples...)
}

// RemoteTrack is a mock [webrtc.RemoteTrack] fed from a channel. ReadPacket
// returns [io.EOF] once Packets is closed.
type RemoteTrack struct {
	StreamID string
	Track    string
	Packets  chan []byte
}

// NewRemoteTrack returns a remote track with a buffered packet channel.
func NewRemoteTrack(streamID string) *RemoteTrack {
	return &RemoteTrack{StreamID: streamID, Track: streamID + "-audio", Packets: make(chan []byte, 16)}
}

func (r *RemoteTrack) ID() string      { return r.StreamID }
func (r *RemoteTrack) TrackID() string { return r.Track }

// ReadPacket implements [webrtc.RemoteTrack].
func (r *RemoteTrack) ReadPacket() ([]byte, error) {
	p, ok := <-r.Packets
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

// Compile-time interface assertions.
var (
	_ webrtc.Factory       = (*Factory)(nil)
	_ webrtc.TrackFactory  = (*Factory)(nil)
	_ webrtc.PeerTransport = (*Transport)(nil)
	_ webrtc.LocalTrack    = (*Track)(nil)
	_ webrtc.RemoteTrack   = (*RemoteTrack)(nil)
)
