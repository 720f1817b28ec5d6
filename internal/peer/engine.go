package peer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// Signaler delivers negotiation messages to the relay.
type Signaler interface {
	Signal(ctx context.Context, msg Message) error
}

// EngineConfig configures an [Engine].
type EngineConfig struct {
	// LocalID is the local participant ID. On offer glare the peer with the
	// lexicographically smaller ID keeps its offer.
	LocalID string

	// Registry holds the sessions. Required.
	Registry *Registry

	// Signaler sends outbound messages. Required.
	Signaler Signaler

	// OnRemoteTrack is called on the session worker for every remote track.
	OnRemoteTrack func(peerID string, track webrtc.RemoteTrack)

	// OnClosed is called on the session worker when a transport failure
	// closes a session.
	OnClosed func(peerID string)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Engine runs the offer/answer/ICE protocol for every session of a
// [Registry].
//
// Public methods only queue work on the target session and return
// immediately. Failures are logged as [*NegotiationError] and leave the
// session in its phase; only a failed or closed transport ends a session.
type Engine struct {
	localID       string
	registry      *Registry
	signaler      Signaler
	onRemoteTrack func(string, webrtc.RemoteTrack)
	onClosed      func(string)
	metrics       *observe.Metrics
	logger        *slog.Logger
}

// errStale reports that the session closed or replaced its transport while a
// step was in flight.
var errStale = errors.New("peer: session changed during negotiation step")

// NewEngine creates an engine and binds it to the registry's hooks.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		localID:       cfg.LocalID,
		registry:      cfg.Registry,
		signaler:      cfg.Signaler,
		onRemoteTrack: cfg.OnRemoteTrack,
		onClosed:      cfg.OnClosed,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
	cfg.Registry.setHandler(e)
	return e
}

// Initiate starts negotiation with peerID by sending an offer. It creates
// the session when needed and clears a previous close marker. Sessions that
// are already negotiating are left alone.
func (e *Engine) Initiate(peerID string) error {
	if peerID == e.localID {
		return nil
	}
	e.registry.Forget(peerID)
	s, err := e.registry.GetOrCreate(peerID)
	if err != nil {
		return err
	}
	s.post(func() { e.initiate(s) })
	return nil
}

// HandleSignal queues an inbound message on the sender's session.
//
// Offers and candidates for unknown peers create the session. Answers for
// unknown peers are dropped, as are candidates for peers that were closed
// and have not offered again.
func (e *Engine) HandleSignal(msg Message) {
	log := e.logger.With("peer", msg.SenderID, "type", msg.Type)
	if err := msg.Validate(); err != nil {
		log.Warn("peer: invalid signal dropped", "err", err)
		return
	}
	if msg.SenderID == "" || msg.SenderID == e.localID {
		log.Debug("peer: signal without remote sender dropped")
		return
	}

	switch msg.Type {
	case MessageAnswer:
		s, ok := e.registry.Get(msg.SenderID)
		if !ok {
			log.Debug("peer: answer for unknown peer dropped")
			return
		}
		desc := *msg.Description
		s.post(func() { e.handleAnswer(s, desc) })

	case MessageICECandidate:
		s, ok := e.registry.Get(msg.SenderID)
		if !ok {
			if e.registry.tombstoned(msg.SenderID) {
				log.Debug("peer: candidate for closed peer dropped")
				return
			}
			var err error
			if s, err = e.registry.GetOrCreate(msg.SenderID); err != nil {
				return
			}
		}
		c := *msg.Candidate
		s.post(func() { e.handleCandidate(s, c) })

	case MessageOffer:
		e.registry.Forget(msg.SenderID)
		s, err := e.registry.GetOrCreate(msg.SenderID)
		if err != nil {
			return
		}
		desc := *msg.Description
		s.post(func() { e.handleOffer(s, desc) })
	}
}

// ─── worker-side protocol ─────────────────────────────────────────────────────

func (e *Engine) initiate(s *Session) {
	if p := s.Phase(); p != PhaseNew {
		s.logger.Debug("peer: initiate ignored, already negotiating", "phase", p)
		return
	}
	e.offer(s)
}

func (e *Engine) offer(s *Session) {
	tr, gen := s.current()
	var desc webrtc.SessionDescription
	if err := e.step(s, gen, StepCreateOffer, func(ctx context.Context) (err error) {
		desc, err = tr.CreateOffer(ctx)
		return err
	}); err != nil {
		return
	}
	if err := e.step(s, gen, StepSetLocal, func(ctx context.Context) error {
		return tr.SetLocalDescription(ctx, desc)
	}); err != nil {
		return
	}
	s.mu.Lock()
	s.renegotiate = false
	s.mu.Unlock()
	s.setPhase(PhaseOfferSent)
	e.send(s, Message{Type: MessageOffer, Description: &desc})
}

func (e *Engine) handleOffer(s *Session, desc webrtc.SessionDescription) {
	tr, gen := s.current()
	phase := s.Phase()

	switch phase {
	case PhaseAnswerSent, PhaseStable:
		rd, ld := tr.RemoteDescription(), tr.LocalDescription()
		if rd != nil && rd.Type == webrtc.SDPTypeOffer && rd.SDP == desc.SDP &&
			ld != nil && ld.Type == webrtc.SDPTypeAnswer {
			s.logger.Debug("peer: duplicate offer, resending answer")
			answer := *ld
			e.send(s, Message{Type: MessageAnswer, Description: &answer})
			return
		}
	case PhaseOfferSent:
		if e.localID < s.id {
			s.logger.Info("peer: offer glare, keeping local offer")
			return
		}
		s.logger.Info("peer: offer glare, accepting remote offer")
		if err := e.registry.replaceTransport(s); err != nil {
			if !errors.Is(err, context.Canceled) {
				nerr := &NegotiationError{Peer: s.id, Step: StepReplaceTransport, Err: err}
				s.logger.Warn("peer: negotiation step failed", "step", StepReplaceTransport, "err", nerr)
			}
			return
		}
		tr, gen = s.current()
	}

	if err := e.step(s, gen, StepSetRemote, func(ctx context.Context) error {
		return tr.SetRemoteDescription(ctx, desc)
	}); err != nil {
		return
	}
	s.setPhase(PhaseOfferReceived)
	e.flush(s, tr, gen)

	var answer webrtc.SessionDescription
	if err := e.step(s, gen, StepCreateAnswer, func(ctx context.Context) (err error) {
		answer, err = tr.CreateAnswer(ctx)
		return err
	}); err != nil {
		return
	}
	if err := e.step(s, gen, StepSetLocal, func(ctx context.Context) error {
		return tr.SetLocalDescription(ctx, answer)
	}); err != nil {
		return
	}
	s.setPhase(PhaseAnswerSent)
	e.send(s, Message{Type: MessageAnswer, Description: &answer})
}

func (e *Engine) handleAnswer(s *Session, desc webrtc.SessionDescription) {
	tr, gen := s.current()
	if phase := s.Phase(); phase != PhaseOfferSent {
		if rd := tr.RemoteDescription(); rd != nil && rd.Type == webrtc.SDPTypeAnswer && rd.SDP == desc.SDP {
			s.logger.Debug("peer: duplicate answer ignored")
			return
		}
		s.logger.Debug("peer: unexpected answer ignored", "phase", phase)
		return
	}

	if err := e.step(s, gen, StepSetRemote, func(ctx context.Context) error {
		return tr.SetRemoteDescription(ctx, desc)
	}); err != nil {
		return
	}
	s.setPhase(PhaseAnswerReceived)
	e.flush(s, tr, gen)
	if !s.live(gen) {
		return
	}
	s.setPhase(PhaseStable)
	e.afterStable(s)
}

func (e *Engine) handleCandidate(s *Session, c webrtc.ICECandidate) {
	tr, gen := s.current()
	if tr.RemoteDescription() == nil {
		s.mu.Lock()
		s.pendingICE = append(s.pendingICE, c)
		n := len(s.pendingICE)
		s.mu.Unlock()
		s.logger.Debug("peer: candidate buffered until remote description", "queued", n)
		return
	}
	_ = e.step(s, gen, StepAddCandidate, func(ctx context.Context) error {
		return tr.AddICECandidate(ctx, c)
	})
}

// flush applies the buffered candidates in arrival order. Failures are
// logged and skipped.
func (e *Engine) flush(s *Session, tr webrtc.PeerTransport, gen uint64) {
	s.mu.Lock()
	queued := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()
	if len(queued) == 0 {
		return
	}
	s.logger.Debug("peer: flushing buffered candidates", "count", len(queued))
	for _, c := range queued {
		if err := e.step(s, gen, StepAddCandidate, func(ctx context.Context) error {
			return tr.AddICECandidate(ctx, c)
		}); errors.Is(err, errStale) {
			return
		}
	}
}

// afterStable starts a pending renegotiation.
func (e *Engine) afterStable(s *Session) {
	s.mu.Lock()
	pending := s.renegotiate && !s.trackless
	s.mu.Unlock()
	if pending {
		s.logger.Info("peer: renegotiating with local tracks")
		e.offer(s)
	}
}

// step runs one transport call inside a span and converts its failure to a
// [*NegotiationError]. When the session closed or replaced its transport in
// the meantime, the result is discarded and errStale returned.
func (e *Engine) step(s *Session, gen uint64, name string, fn func(ctx context.Context) error) error {
	ctx, span := observe.StartPeerSpan(s.ctx, s.id, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if !s.live(gen) {
		s.logger.Debug("peer: session changed during step, result dropped", "step", name)
		return errStale
	}
	e.metrics.RecordNegotiationStep(ctx, name, time.Since(start).Seconds(), err != nil)
	if err == nil {
		return nil
	}
	nerr := &NegotiationError{Peer: s.id, Step: name, Err: err}
	observe.FailSpan(span, nerr)
	observe.LoggerWith(ctx, s.logger).Warn("peer: negotiation step failed", "step", name, "phase", s.Phase(), "err", nerr)
	return nerr
}

func (e *Engine) send(s *Session, msg Message) {
	msg.SenderID = e.localID
	msg.RecipientID = s.id
	if err := e.signaler.Signal(s.ctx, msg); err != nil {
		s.logger.Warn("peer: send signal", "type", msg.Type, "err", err)
		return
	}
	e.metrics.RecordSignal(s.ctx, true, string(msg.Type))
}

// ─── transport hooks ──────────────────────────────────────────────────────────

func (e *Engine) localCandidate(s *Session, c webrtc.ICECandidate) {
	e.send(s, Message{Type: MessageICECandidate, Candidate: &c})
}

func (e *Engine) stateChanged(s *Session, state webrtc.ConnectionState) {
	e.metrics.RecordPeerState(s.ctx, state.String())
	s.logger.Info("peer: connection state changed", "state", state.String())

	switch {
	case state == webrtc.ConnectionStateConnected:
		s.mu.Lock()
		first := !s.connected
		s.connected = true
		s.mu.Unlock()
		if first {
			e.metrics.ConnectDuration.Record(s.ctx, time.Since(s.created).Seconds())
		}
		if s.Phase() == PhaseAnswerSent {
			s.setPhase(PhaseStable)
			e.afterStable(s)
		}
	case state.Terminal():
		e.registry.closeSession(s)
		if e.onClosed != nil {
			e.onClosed(s.id)
		}
	}
}

func (e *Engine) remoteTrack(s *Session, t webrtc.RemoteTrack) {
	s.mu.Lock()
	s.remoteStreamID = t.ID()
	s.mu.Unlock()
	s.logger.Info("peer: remote track received", "stream", t.ID(), "track", t.TrackID())
	if e.onRemoteTrack != nil {
		e.onRemoteTrack(s.id, t)
	}
}

func (e *Engine) renegotiationNeeded(s *Session) {
	if s.Phase() == PhaseStable {
		e.afterStable(s)
	}
}
