// Package threshold implements a [vad.Engine] that classifies byte-scale
// spectra by their mean and peak magnitudes with a silence hang-over.
//
// A frame qualifies as speech when its average exceeds AverageThreshold or its
// peak exceeds PeakThreshold. The first qualifying frame starts speech; speech
// ends only after SilenceFrames consecutive non-qualifying frames, so short
// pauses between words do not flap the state.
package threshold

import (
	"sync"

	"github.com/MrWong99/huddle/pkg/provider/vad"
)

// Engine is the threshold [vad.Engine]. The zero value is ready to use.
type Engine struct{}

// New returns a threshold engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg}, nil
}

// Session is a threshold [vad.SessionHandle]. It is safe for concurrent use.
type Session struct {
	cfg vad.Config

	mu       sync.Mutex
	speaking bool
	quiet    int
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	avg, peak := Measure(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}

	ev := vad.VADEvent{Average: avg, Peak: peak}
	qualifies := avg > s.cfg.AverageThreshold || peak > s.cfg.PeakThreshold

	switch {
	case qualifies && !s.speaking:
		s.speaking = true
		s.quiet = 0
		ev.Type = vad.VADSpeechStart
	case qualifies:
		s.quiet = 0
		ev.Type = vad.VADSpeechContinue
	case s.speaking:
		s.quiet++
		if s.quiet >= s.cfg.SilenceFrames {
			s.speaking = false
			s.quiet = 0
			ev.Type = vad.VADSpeechEnd
		} else {
			ev.Type = vad.VADSpeechContinue
		}
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.quiet = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Measure returns the mean and maximum of the byte-scale magnitudes in frame.
// An empty frame measures as zero.
func Measure(frame []byte) (average, peak float64) {
	if len(frame) == 0 {
		return 0, 0
	}
	var sum int
	var max byte
	for _, v := range frame {
		sum += int(v)
		if v > max {
			max = v
		}
	}
	return float64(sum) / float64(len(frame)), float64(max)
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
