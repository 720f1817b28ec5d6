// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own hysteresis state so
// that several analysed streams can be processed independently.
//
// Frames are byte-scale frequency magnitudes (0-255 per bin), as produced by a
// spectrum analyser. ProcessFrame is synchronous and returns immediately, so it
// can run on every tick of a fixed-rate sampling loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// Default classification constants.
const (
	DefaultAverageThreshold = 10
	DefaultPeakThreshold    = 30
	DefaultSilenceFrames    = 10
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// AverageThreshold: a frame qualifies as speech when the mean bin
	// magnitude exceeds it.
	AverageThreshold float64

	// PeakThreshold: a frame qualifies as speech when the largest bin
	// magnitude exceeds it.
	PeakThreshold float64

	// SilenceFrames is the number of consecutive non-qualifying frames
	// required to end a speech segment. Speech starts on the first qualifying
	// frame.
	SilenceFrames int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		AverageThreshold: DefaultAverageThreshold,
		PeakThreshold:    DefaultPeakThreshold,
		SilenceFrames:    DefaultSilenceFrames,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.AverageThreshold < 0 || c.AverageThreshold > 255 {
		errs = append(errs, fmt.Errorf("vad: average threshold %v out of range [0, 255]", c.AverageThreshold))
	}
	if c.PeakThreshold < 0 || c.PeakThreshold > 255 {
		errs = append(errs, fmt.Errorf("vad: peak threshold %v out of range [0, 255]", c.PeakThreshold))
	}
	if c.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: silence frames must be at least 1, got %d", c.SilenceFrames))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine. Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies one frame of byte-scale frequency magnitudes.
	// It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset returns the session to the not-speaking state.
	Reset()

	// Close releases the session. After Close, ProcessFrame returns
	// [ErrClosed]. Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
