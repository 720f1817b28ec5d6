// Package activity detects whether the local user is speaking.
//
// A [Monitor] samples an [Analyser] at a fixed rate, classifies each sample
// with a VAD session and reports speaking transitions. Only transitions are
// reported; continuous speech or silence produces no callbacks.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/huddle/pkg/provider/vad"
	"github.com/MrWong99/huddle/pkg/provider/vad/threshold"
)

// DefaultInterval approximates a display refresh rate of 60 Hz.
const DefaultInterval = 16 * time.Millisecond

// Config configures a [Monitor].
type Config struct {
	// Analyser supplies frequency data. Required.
	Analyser Analyser

	// Engine creates the classification session. Defaults to the threshold
	// engine.
	Engine vad.Engine

	// VAD holds the classification thresholds. The zero value means
	// [vad.DefaultConfig].
	VAD vad.Config

	// Interval between samples. Defaults to [DefaultInterval].
	Interval time.Duration

	// Muted reports the local mute flag. While it returns true every sample
	// is treated as silence. May be nil.
	Muted func() bool

	// OnChange is called on the monitor goroutine for every speaking
	// transition. Required.
	OnChange func(speaking bool)

	Logger *slog.Logger
}

// Monitor is the fixed-rate speaking detector.
type Monitor struct {
	analyser Analyser
	session  vad.SessionHandle
	interval time.Duration
	muted    func() bool
	onChange func(bool)
	logger   *slog.Logger

	speaking atomic.Bool
	silence  []byte

	stopOnce sync.Once
}

// NewMonitor creates a monitor and its VAD session.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Analyser == nil {
		return nil, fmt.Errorf("activity: analyser is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("activity: OnChange is required")
	}
	if cfg.Engine == nil {
		cfg.Engine = threshold.New()
	}
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sess, err := cfg.Engine.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("activity: create vad session: %w", err)
	}
	return &Monitor{
		analyser: cfg.Analyser,
		session:  sess,
		interval: cfg.Interval,
		muted:    cfg.Muted,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
	}, nil
}

// Speaking reports the current classification.
func (m *Monitor) Speaking() bool { return m.speaking.Load() }

// Run samples until ctx is cancelled, then closes the VAD session. Stopping
// does not report a final transition.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.close()

	m.logger.Debug("activity: monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("activity: monitor stopped")
			return nil
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) close() {
	m.stopOnce.Do(func() {
		if err := m.session.Close(); err != nil {
			m.logger.Warn("activity: closing vad session", "err", err)
		}
	})
}

// sample runs one classification step.
func (m *Monitor) sample() {
	data := m.analyser.FrequencyData()
	if m.muted != nil && m.muted() {
		if len(m.silence) != len(data) {
			m.silence = make([]byte, len(data))
		}
		data = m.silence
	}

	ev, err := m.session.ProcessFrame(data)
	if err != nil {
		m.logger.Debug("activity: process frame", "err", err)
		return
	}
	if !ev.Transition() {
		return
	}
	speaking := ev.Speaking()
	m.speaking.Store(speaking)
	m.logger.Debug("activity: speaking changed", "speaking", speaking,
		"average", ev.Average, "peak", ev.Peak)
	m.onChange(speaking)
}
