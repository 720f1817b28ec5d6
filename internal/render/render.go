// Package render plays remote participants' audio.
//
// A [Renderer] keeps one sink per participant. Attaching a stream that is
// already bound is a no-op; attaching a different stream rebinds the sink.
// Output routing and playback failures are logged and counted, never
// retried and never returned to the caller. Repeated sink creation failures
// open a circuit breaker so a broken output backend is skipped until it
// recovers.
package render

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/resilience"
	"github.com/MrWong99/huddle/pkg/audio"
)

// Sink breaker defaults.
const (
	DefaultSinkFailureLimit = 3
	DefaultSinkRetryAfter   = 30 * time.Second
)

// Config configures a [Renderer].
type Config struct {
	// Sinks creates the per-participant sinks. Required.
	Sinks audio.SinkFactory

	// OutputDevice returns the preferred output device, or "" for the
	// default. It is consulted when a sink is created.
	OutputDevice func() string

	// SinkFailureLimit is the number of consecutive sink creation failures
	// after which new streams are skipped for SinkRetryAfter. Defaults to
	// DefaultSinkFailureLimit and DefaultSinkRetryAfter.
	SinkFailureLimit int
	SinkRetryAfter   time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

type binding struct {
	sink     audio.Sink
	streamID string
}

// Renderer binds remote streams to sinks. It is safe for concurrent use.
type Renderer struct {
	sinks        audio.SinkFactory
	outputDevice func() string
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	bindings map[string]*binding
	closed   bool

	failures atomic.Int64
}

// New returns a renderer without bindings.
func New(cfg Config) *Renderer {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SinkFailureLimit <= 0 {
		cfg.SinkFailureLimit = DefaultSinkFailureLimit
	}
	if cfg.SinkRetryAfter <= 0 {
		cfg.SinkRetryAfter = DefaultSinkRetryAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Renderer{
		sinks:        cfg.Sinks,
		outputDevice: cfg.OutputDevice,
		breaker: resilience.New(resilience.Config{
			Name:         "render-sinks",
			MaxFailures:  cfg.SinkFailureLimit,
			ResetTimeout: cfg.SinkRetryAfter,
			Logger:       cfg.Logger,
		}),
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		bindings:     make(map[string]*binding),
	}
}

// Attach plays src for participantID.
func (r *Renderer) Attach(participantID string, src audio.PacketSource) {
	log := r.logger.With("peer", participantID, "stream", src.ID())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		log.Debug("render: attach after close ignored")
		return
	}

	b, ok := r.bindings[participantID]
	if ok && b.streamID == src.ID() {
		log.Debug("render: stream already bound")
		return
	}
	if !ok {
		var sink audio.Sink
		err := r.breaker.Execute(func() error {
			var err error
			sink, err = r.sinks.NewSink(participantID)
			return err
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			log.Warn("render: output backend unavailable, stream not played")
			r.recordFailure()
			return
		}
		if err != nil {
			log.Warn("render: create sink failed", "err", err)
			r.recordFailure()
			return
		}
		r.route(sink, log)
		b = &binding{sink: sink}
		r.bindings[participantID] = b
	}

	b.streamID = src.ID()
	if err := b.sink.Play(r.ctx, src); err != nil {
		log.Warn("render: playback failed", "err", err)
		r.recordFailure()
		return
	}
	log.Info("render: remote stream bound")
}

func (r *Renderer) route(sink audio.Sink, log *slog.Logger) {
	if r.outputDevice == nil {
		return
	}
	dev := r.outputDevice()
	if audio.IsDefaultDevice(dev) {
		return
	}
	router, ok := sink.(audio.OutputRouter)
	if !ok {
		log.Debug("render: sink cannot route output", "device", dev)
		return
	}
	if err := router.SetOutputDevice(dev); err != nil {
		log.Warn("render: output routing failed, using default device", "device", dev, "err", err)
	}
}

func (r *Renderer) recordFailure() {
	r.failures.Add(1)
	r.metrics.PlaybackFailures.Add(r.ctx, 1)
}

// Bound returns the stream currently bound for participantID.
func (r *Renderer) Bound(participantID string) (streamID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[participantID]
	if !ok {
		return "", false
	}
	return b.streamID, true
}

// Failures returns the number of streams that could not be played.
func (r *Renderer) Failures() int64 { return r.failures.Load() }

// Detach stops playback for participantID and releases its sink.
func (r *Renderer) Detach(participantID string) {
	r.mu.Lock()
	b, ok := r.bindings[participantID]
	delete(r.bindings, participantID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := b.sink.Close(); err != nil {
		r.logger.Warn("render: close sink", "peer", participantID, "err", err)
	}
}

// Close releases every sink. Later Attach calls are ignored.
func (r *Renderer) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	bindings := r.bindings
	r.bindings = make(map[string]*binding)
	r.mu.Unlock()

	r.cancel()
	for id, b := range bindings {
		if err := b.sink.Close(); err != nil {
			r.logger.Warn("render: close sink", "peer", id, "err", err)
		}
	}
}
