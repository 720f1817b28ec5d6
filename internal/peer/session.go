package peer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// Session is the negotiation state for one remote participant.
//
// All negotiation work for a session runs on its own worker goroutine, one
// event at a time, so two messages for the same peer are never processed
// concurrently. Transport callbacks and inbound messages are queued to the
// worker; nothing blocks the caller.
type Session struct {
	id      string
	logger  *slog.Logger
	created time.Time

	// ctx is cancelled when the session closes. In-flight transport calls
	// use it.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	transport      webrtc.PeerTransport
	generation     uint64
	phase          Phase
	pendingICE     []webrtc.ICECandidate
	remoteStreamID string
	trackless      bool
	renegotiate    bool
	connected      bool
	closed         bool

	qmu       sync.Mutex
	queue     []func()
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		logger:  logger.With("peer", id),
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the remote participant ID.
func (s *Session) ID() string { return s.id }

// Phase returns the current signaling phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transport returns the current underlying transport. It changes when a
// glare resolution replaces it.
func (s *Session) Transport() webrtc.PeerTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Trackless reports whether the session was created without local audio and
// has not received tracks since.
func (s *Session) Trackless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackless
}

// RemoteStreamAttached reports whether a remote track has arrived.
func (s *Session) RemoteStreamAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStreamID != ""
}

// PendingICE returns a copy of the buffered remote candidates.
func (s *Session) PendingICE() []webrtc.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidate(nil), s.pendingICE...)
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	prev := s.phase
	s.phase = p
	if prev != p {
		s.logger.Debug("peer: phase changed", "from", prev, "to", p)
	}
}

// current returns the transport and its generation.
func (s *Session) current() (webrtc.PeerTransport, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport, s.generation
}

// live reports whether the session is open and still on transport gen.
func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.generation == gen
}

// post queues fn for the worker. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	select {
	case <-s.done:
		s.qmu.Unlock()
		return false
	default:
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) pop() (func(), bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return fn, true
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			fn, ok := s.pop()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}

// sync waits until every event queued before the call has been handled. It
// returns false on timeout and true immediately for a closed session.
func (s *Session) sync(timeout time.Duration) bool {
	reached := make(chan struct{})
	if !s.post(func() { close(reached) }) {
		return true
	}
	select {
	case <-reached:
		return true
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// close ends the session: the phase becomes closed, in-flight calls are
// cancelled, queued events are dropped and the transport is closed. It does
// not wait for the worker, so the worker may call it. first reports whether
// this call performed the close.
func (s *Session) close() (first bool, err error) {
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		s.phase = PhaseClosed
		s.pendingICE = nil
		tr := s.transport
		s.mu.Unlock()

		s.cancel()
		s.qmu.Lock()
		close(s.done)
		s.queue = nil
		s.qmu.Unlock()

		if tr != nil {
			err = tr.Close()
		}
		s.logger.Info("peer: session closed")
	})
	return first, err
}
