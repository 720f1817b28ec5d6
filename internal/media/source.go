// Package media owns the local capture stream: acquiring the microphone,
// encoding it onto the local tracks shared by every peer, muting and
// teardown.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/huddle/pkg/audio"
	"github.com/MrWong99/huddle/pkg/audio/opus"
	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// SourceConfig configures a [Source].
type SourceConfig struct {
	// Devices opens capture devices. Required.
	Devices audio.DeviceProvider

	// Tracks creates the local tracks. Required.
	Tracks webrtc.TrackFactory

	// NewEncoder creates the per-stream encoder. Defaults to [opus.NewEncoder].
	NewEncoder func() (opus.Encoder, error)

	// Gain scales captured samples. Zero means 1.0.
	Gain float64

	Logger *slog.Logger
}

// Source is the local media state of one voice session: at most one stream
// plus the mute flag. All methods are safe for concurrent use.
type Source struct {
	devices    audio.DeviceProvider
	tracks     webrtc.TrackFactory
	newEncoder func() (opus.Encoder, error)
	logger     *slog.Logger

	mu       sync.Mutex
	stream   *Stream
	muted    bool
	snapshot map[*Track]bool
	gain     float64
}

// NewSource returns a source without a stream.
func NewSource(cfg SourceConfig) *Source {
	s := &Source{
		devices:    cfg.Devices,
		tracks:     cfg.Tracks,
		newEncoder: cfg.NewEncoder,
		logger:     cfg.Logger,
		gain:       cfg.Gain,
	}
	if s.newEncoder == nil {
		s.newEncoder = func() (opus.Encoder, error) { return opus.NewEncoder() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.gain <= 0 {
		s.gain = 1
	}
	return s
}

// Acquire opens the capture device and starts a new stream. A non-default
// preferredDeviceID must match exactly. Device failures are returned as
// [*DeviceAccessError]. A previous stream is stopped once the new one is
// running. When the source is muted, the new stream starts muted.
func (s *Source) Acquire(ctx context.Context, preferredDeviceID string) (*Stream, error) {
	dev, err := s.devices.Open(ctx, preferredDeviceID)
	if err != nil {
		return nil, &DeviceAccessError{DeviceID: preferredDeviceID, Err: err}
	}

	enc, err := s.newEncoder()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("media: create encoder: %w", err)
	}

	streamID := uuid.NewString()
	local, err := s.tracks.NewLocalTrack("audio-"+streamID, streamID)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("media: create track: %w", err)
	}

	st := &Stream{
		id:       streamID,
		deviceID: dev.ID(),
		device:   dev,
		tracks:   []*Track{newTrack(local)},
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	s.mu.Lock()
	old := s.stream
	s.stream = st
	if s.muted {
		s.snapshot = make(map[*Track]bool, len(st.tracks))
		for _, t := range st.tracks {
			s.snapshot[t] = true
			t.SetEnabled(false)
		}
	}
	s.mu.Unlock()

	go s.pump(st, enc)

	if old != nil {
		if err := old.stop(); err != nil {
			s.logger.Warn("media: closing replaced capture device", "err", err)
		}
	}
	s.logger.Info("media: capture started", "device", st.deviceID, "stream", st.id)
	return st, nil
}

// Stream returns the current stream or nil.
func (s *Source) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Muted reports the mute flag.
func (s *Source) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetMuted disables or re-enables the local tracks in place. Muting records
// each track's enabled state; unmuting restores exactly that state. Tracks
// are never detached from peers.
func (s *Source) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted == muted {
		return
	}
	s.muted = muted
	if s.stream == nil {
		s.snapshot = nil
		return
	}
	if muted {
		s.snapshot = make(map[*Track]bool, len(s.stream.tracks))
		for _, t := range s.stream.tracks {
			s.snapshot[t] = t.Enabled()
			t.SetEnabled(false)
		}
		return
	}
	for _, t := range s.stream.tracks {
		enabled, ok := s.snapshot[t]
		if !ok {
			enabled = true
		}
		t.SetEnabled(enabled)
	}
	s.snapshot = nil
}

// SetGain changes the capture gain. Values <= 0 are ignored.
func (s *Source) SetGain(g float64) {
	if g <= 0 {
		return
	}
	s.mu.Lock()
	s.gain = g
	s.mu.Unlock()
}

func (s *Source) currentGain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

// Teardown stops all tracks and the capture device. It is idempotent and safe
// without a stream.
func (s *Source) Teardown() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.snapshot = nil
	s.mu.Unlock()
	if st == nil {
		return
	}
	if err := st.stop(); err != nil {
		s.logger.Warn("media: closing capture device", "err", err)
	}
	s.logger.Info("media: capture stopped", "stream", st.id)
}

// pump converts captured frames to the encoder format, feeds the taps and
// writes one encoded packet per 20 ms to every track. Disabled tracks get
// encoded silence.
func (s *Source) pump(st *Stream, enc opus.Encoder) {
	defer close(st.pumpDone)

	conv := &audio.FormatConverter{Target: opus.Format, Logger: s.logger}
	silence := make([]byte, opus.FrameBytes)
	var pending []byte

	for {
		var frame audio.AudioFrame
		var ok bool
		select {
		case <-st.done:
			return
		case frame, ok = <-st.device.Frames():
			if !ok {
				s.logger.Info("media: capture device ended", "stream", st.id)
				return
			}
		}

		frame = conv.Convert(frame)
		if len(frame.Data) == 0 {
			continue
		}
		if g := s.currentGain(); g != 1 {
			frame.Data = applyGain(frame.Data, g)
		}
		st.notifyTaps(frame)

		pending = append(pending, frame.Data...)
		for len(pending) >= opus.FrameBytes {
			chunk := pending[:opus.FrameBytes]
			s.writeChunk(st, enc, chunk, silence)
			pending = pending[opus.FrameBytes:]
		}
		// Keep the remainder in its own buffer so pending does not grow
		// without bound.
		pending = append([]byte(nil), pending...)
	}
}

func (s *Source) writeChunk(st *Stream, enc opus.Encoder, chunk, silence []byte) {
	var live, quiet []byte
	for _, t := range st.tracks {
		var packet []byte
		var err error
		if t.Enabled() {
			if live == nil {
				live, err = enc.Encode(chunk)
			}
			packet = live
		} else {
			if quiet == nil {
				quiet, err = enc.Encode(silence)
			}
			packet = quiet
		}
		if err != nil {
			s.logger.Debug("media: encode failed", "err", err)
			return
		}
		if err := t.local.WriteSample(packet, opus.FrameDuration); err != nil {
			s.logger.Debug("media: write sample failed", "track", t.ID(), "err", err)
		}
	}
}

// applyGain scales little-endian int16 samples by g with clamping.
func applyGain(pcm []byte, g float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(pcm[i])|int16(pcm[i+1])<<8) * g
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		sample := int16(v)
		out[i] = byte(sample)
		out[i+1] = byte(sample >> 8)
	}
	return out
}
