package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Compile-time interface checks.
var (
	_ Factory       = (*PionFactory)(nil)
	_ TrackFactory  = (*PionFactory)(nil)
	_ PeerTransport = (*pionTransport)(nil)
	_ LocalTrack    = (*AudioTrack)(nil)
	_ RemoteTrack   = (*pionRemoteTrack)(nil)
)

// PionFactory creates [PeerTransport] values backed by pion/webrtc. All
// transports share one API instance (media engine and settings).
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// FactoryOption configures a [PionFactory].
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	logger   *slog.Logger
	loopback bool
}

// WithLogger sets the logger used by created transports.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(o *factoryOptions) { o.logger = l }
}

// WithLoopbackCandidates includes loopback addresses in gathered ICE
// candidates, for same-machine sessions and tests.
func WithLoopbackCandidates() FactoryOption {
	return func(o *factoryOptions) { o.loopback = true }
}

// NewFactory builds a factory that gathers candidates through servers.
func NewFactory(servers []ICEServer, opts ...FactoryOption) (*PionFactory, error) {
	o := factoryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("webrtc: register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	if o.loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	config := webrtc.Configuration{}
	for _, s := range servers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: config,
		logger: o.logger,
	}, nil
}

// NewTransport implements [Factory].
func (f *PionFactory) NewTransport(peerID string) (PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection for %q: %w", peerID, err)
	}
	t := &pionTransport{
		pc:     pc,
		logger: f.logger.With("peer", peerID),
	}
	// The pion callbacks are registered exactly once; the On* setters only
	// swap the function they dispatch to.
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleStateChange)
	pc.OnTrack(t.handleTrack)
	return t, nil
}

// NewLocalTrack implements [TrackFactory].
func (f *PionFactory) NewLocalTrack(id, streamID string) (LocalTrack, error) {
	return NewAudioTrack(id, streamID)
}

// AudioTrack is an Opus [LocalTrack] backed by a pion static sample track.
type AudioTrack struct {
	local *webrtc.TrackLocalStaticSample
}

// NewAudioTrack creates a 48 kHz stereo Opus track.
func NewAudioTrack(id, streamID string) (*AudioTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new audio track: %w", err)
	}
	return &AudioTrack{local: local}, nil
}

func (t *AudioTrack) ID() string       { return t.local.ID() }
func (t *AudioTrack) StreamID() string { return t.local.StreamID() }

// WriteSample implements [LocalTrack]. Writing to a track that is not yet
// attached to any transport is a no-op.
func (t *AudioTrack) WriteSample(payload []byte, duration time.Duration) error {
	return t.local.WriteSample(media.Sample{Data: payload, Duration: duration})
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu        sync.Mutex
	onICE     func(ICECandidate)
	onState   func(ConnectionState)
	onTrack   func(RemoteTrack)
	hasSender bool
}

func (t *pionTransport) CreateOffer(_ context.Context) (SessionDescription, error) {
	t.mu.Lock()
	recvOnly := !t.hasSender && len(t.pc.GetTransceivers()) == 0
	t.mu.Unlock()
	if recvOnly {
		// Without a local track the offer would carry no audio section and
		// the remote side could not send to us either.
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return SessionDescription{}, fmt.Errorf("webrtc: add receive-only transceiver: %w", err)
		}
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("webrtc: create offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (t *pionTransport) CreateAnswer(_ context.Context) (SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("webrtc: create answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (t *pionTransport) SetLocalDescription(_ context.Context, desc SessionDescription) error {
	if err := t.pc.SetLocalDescription(toPionDescription(desc)); err != nil {
		return fmt.Errorf("webrtc: set local %s: %w", desc.Type, err)
	}
	return nil
}

func (t *pionTransport) SetRemoteDescription(_ context.Context, desc SessionDescription) error {
	if err := t.pc.SetRemoteDescription(toPionDescription(desc)); err != nil {
		return fmt.Errorf("webrtc: set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (t *pionTransport) LocalDescription() *SessionDescription {
	return fromPionDescriptionPtr(t.pc.LocalDescription())
}

func (t *pionTransport) RemoteDescription() *SessionDescription {
	return fromPionDescriptionPtr(t.pc.RemoteDescription())
}

func (t *pionTransport) AddICECandidate(_ context.Context, c ICECandidate) error {
	err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("webrtc: add ice candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) AddTrack(track LocalTrack) error {
	at, ok := track.(*AudioTrack)
	if !ok {
		return ErrForeignTrack
	}
	sender, err := t.pc.AddTrack(at.local)
	if err != nil {
		return fmt.Errorf("webrtc: add track %q: %w", track.ID(), err)
	}
	t.mu.Lock()
	t.hasSender = true
	t.mu.Unlock()

	// Drain RTCP so interceptors keep working; the loop ends when the
	// sender is stopped.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) OnICECandidate(fn func(ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnTrack(fn func(RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("webrtc: close peer connection: %w", err)
	}
	return nil
}

func (t *pionTransport) handleICECandidate(c *webrtc.ICECandidate) {
	// A nil candidate marks the end of gathering.
	if c == nil {
		return
	}
	init := c.ToJSON()
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	}
}

func (t *pionTransport) handleStateChange(s webrtc.PeerConnectionState) {
	state := fromPionState(s)
	t.logger.Debug("webrtc: connection state changed", "state", state.String())
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *pionTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		t.logger.Warn("webrtc: ignoring non-audio remote track", "kind", track.Kind().String())
		return
	}
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(&pionRemoteTrack{track: track})
	}
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *pionRemoteTrack) ID() string      { return r.track.StreamID() }
func (r *pionRemoteTrack) TrackID() string { return r.track.ID() }

func (r *pionRemoteTrack) ReadPacket() ([]byte, error) {
	pkt, _, err := r.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

func toPionDescription(d SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromPionDescription(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: SDPType(d.Type.String()), SDP: d.SDP}
}

func fromPionDescriptionPtr(d *webrtc.SessionDescription) *SessionDescription {
	if d == nil {
		return nil
	}
	desc := fromPionDescription(*d)
	return &desc
}

func fromPionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateNew
	}
}
