// Package peer manages the WebRTC sessions with the other members of a voice
// channel.
//
// [Registry] owns one [Session] per remote participant. [Engine] drives the
// offer/answer/ICE protocol on those sessions. Each session processes its
// events on a dedicated goroutine; sessions never block each other.
package peer

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/huddle/internal/media"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// LocalMedia is the local capture state shared by every session.
type LocalMedia interface {
	// Stream returns the current capture stream or nil.
	Stream() *media.Stream
	// Teardown stops the capture stream.
	Teardown()
}

// sessionHandler receives the transport hooks of every session. All methods
// run on the session worker.
type sessionHandler interface {
	localCandidate(s *Session, c webrtc.ICECandidate)
	stateChanged(s *Session, state webrtc.ConnectionState)
	remoteTrack(s *Session, t webrtc.RemoteTrack)
	renegotiationNeeded(s *Session)
}

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Transports creates peer transports. When nil, [Registry.GetOrCreate]
	// fails with [ErrUnsupportedEnvironment].
	Transports webrtc.Factory

	// Media supplies the local tracks. May be nil.
	Media LocalMedia

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID           string `json:"id"`
	Phase        Phase  `json:"phase"`
	Trackless    bool   `json:"trackless"`
	RemoteStream bool   `json:"remote_stream"`
	PendingICE   int    `json:"pending_ice"`
}

// Registry maps participant IDs to sessions. All methods are safe for
// concurrent use.
type Registry struct {
	transports webrtc.Factory
	media      LocalMedia
	metrics    *observe.Metrics
	logger     *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	tombstones map[string]struct{}
	handler    sessionHandler
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		transports: cfg.Transports,
		media:      cfg.Media,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]struct{}),
	}
}

func (r *Registry) setHandler(h sessionHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Registry) getHandler() sessionHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// GetOrCreate returns the session for id, creating it in phase new when
// absent. A new session gets every current local track attached; without a
// local stream it is created track-less.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if r.transports == nil {
		r.logger.Error("peer: cannot create session", "peer", id, "err", ErrUnsupportedEnvironment)
		return nil, ErrUnsupportedEnvironment
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	tr, err := r.transports.NewTransport(id)
	if err != nil {
		r.mu.Unlock()
		r.logger.Error("peer: create transport", "peer", id, "err", err)
		return nil, &NegotiationError{Peer: id, Step: "create_transport", Err: err}
	}
	s := newSession(id, r.logger)
	s.transport = tr
	s.generation = 1
	r.sessions[id] = s
	r.mu.Unlock()

	r.attachLocal(s, tr)
	r.registerHooks(s, tr, 1)
	go s.run()

	r.metrics.ActivePeers.Add(context.Background(), 1)
	s.logger.Info("peer: session created", "trackless", s.Trackless())
	return s, nil
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot describes every open session, sorted by ID.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	ids := slices.Sorted(maps.Keys(r.sessions))
	sessions := make([]*Session, len(ids))
	for i, id := range ids {
		sessions[i] = r.sessions[id]
	}
	r.mu.Unlock()

	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		s.mu.Lock()
		out[i] = SessionInfo{
			ID:           s.id,
			Phase:        s.phase,
			Trackless:    s.trackless,
			RemoteStream: s.remoteStreamID != "",
			PendingICE:   len(s.pendingICE),
		}
		s.mu.Unlock()
	}
	return out
}

// Sync waits until every open session has handled the events queued before
// the call. It reports false when timeout elapses first.
func (r *Registry) Sync(timeout time.Duration) bool {
	r.mu.Lock()
	sessions := slices.Collect(maps.Values(r.sessions))
	r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, s := range sessions {
		if !s.sync(time.Until(deadline)) {
			return false
		}
	}
	return true
}

// Close terminates and removes the session for id. Late messages for the
// peer are dropped until it is initiated again or sends a new offer. Close
// is idempotent.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.tombstones[id] = struct{}{}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.finish(s)
}

// CloseAll closes every session concurrently and tears down the local media.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		r.tombstones[id] = struct{}{}
	}
	clear(r.sessions)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return r.finish(s) })
	}
	err := g.Wait()
	if r.media != nil {
		r.media.Teardown()
	}
	return err
}

// closeSession removes s if it is still the registered session for its ID.
// Used for transport failures.
func (r *Registry) closeSession(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		r.tombstones[s.id] = struct{}{}
	}
	r.mu.Unlock()
	r.finish(s)
}

func (r *Registry) finish(s *Session) error {
	first, err := s.close()
	if !first {
		return nil
	}
	r.metrics.ActivePeers.Add(context.Background(), -1)
	if err != nil {
		s.logger.Warn("peer: close transport", "err", err)
	}
	return err
}

func (r *Registry) tombstoned(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tombstones[id]
	return ok
}

// Forget clears the closed-peer marker for id so that early ICE candidates
// from a returning participant are buffered again.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.tombstones, id)
	r.mu.Unlock()
}

// AttachStream adds the tracks of stream to every track-less session. Sessions
// that already negotiated are flagged for renegotiation.
func (r *Registry) AttachStream(stream *media.Stream) {
	if stream == nil {
		return
	}
	r.mu.Lock()
	sessions := slices.Collect(maps.Values(r.sessions))
	r.mu.Unlock()

	for _, s := range sessions {
		s.post(func() {
			s.mu.Lock()
			if !s.trackless || s.closed {
				s.mu.Unlock()
				return
			}
			tr, phase := s.transport, s.phase
			s.mu.Unlock()

			if !r.addTracks(s, tr, stream) {
				return
			}
			s.mu.Lock()
			s.trackless = false
			s.renegotiate = phase != PhaseNew
			s.mu.Unlock()
			s.logger.Info("peer: local tracks attached", "stream", stream.ID())
			if phase != PhaseNew {
				if h := r.getHandler(); h != nil {
					h.renegotiationNeeded(s)
				}
			}
		})
	}
}

// replaceTransport swaps the session's transport for a fresh one in phase
// new. Hooks from the old transport are ignored afterwards.
func (r *Registry) replaceTransport(s *Session) error {
	tr, err := r.transports.NewTransport(s.id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = tr.Close()
		return context.Canceled
	}
	old := s.transport
	s.generation++
	gen := s.generation
	s.transport = tr
	s.phase = PhaseNew
	s.mu.Unlock()

	if err := old.Close(); err != nil {
		s.logger.Debug("peer: close replaced transport", "err", err)
	}
	r.attachLocal(s, tr)
	r.registerHooks(s, tr, gen)
	return nil
}

func (r *Registry) attachLocal(s *Session, tr webrtc.PeerTransport) {
	var stream *media.Stream
	if r.media != nil {
		stream = r.media.Stream()
	}
	attached := stream != nil && r.addTracks(s, tr, stream)
	s.mu.Lock()
	s.trackless = !attached
	s.mu.Unlock()
	if !attached {
		s.logger.Warn("peer: session has no local audio; it will be renegotiated once a stream is available")
	}
}

func (r *Registry) addTracks(s *Session, tr webrtc.PeerTransport, stream *media.Stream) bool {
	ok := true
	for _, t := range stream.LocalTracks() {
		if err := tr.AddTrack(t); err != nil {
			nerr := &NegotiationError{Peer: s.id, Step: StepAddTrack, Err: err}
			s.logger.Warn("peer: attach local track", "track", t.ID(), "err", nerr)
			ok = false
		}
	}
	return ok
}

// registerHooks installs the three transport callbacks. Every callback only
// queues work tagged with gen.
func (r *Registry) registerHooks(s *Session, tr webrtc.PeerTransport, gen uint64) {
	dispatch := func(fn func(h sessionHandler)) {
		s.post(func() {
			if !s.live(gen) {
				return
			}
			if h := r.getHandler(); h != nil {
				fn(h)
			}
		})
	}
	tr.OnICECandidate(func(c webrtc.ICECandidate) {
		dispatch(func(h sessionHandler) { h.localCandidate(s, c) })
	})
	tr.OnConnectionStateChange(func(state webrtc.ConnectionState) {
		dispatch(func(h sessionHandler) { h.stateChanged(s, state) })
	})
	tr.OnTrack(func(t webrtc.RemoteTrack) {
		dispatch(func(h sessionHandler) { h.remoteTrack(s, t) })
	})
}
