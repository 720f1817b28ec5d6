// Package mock provides in-memory mock implementations of the [audio.DeviceProvider],
// [audio.CaptureDevice], [audio.SinkFactory] and [audio.Sink] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewCaptureDevice("mic-1", audio.Format{SampleRate: 48000, Channels: 2})
//	provider := &mock.DeviceProvider{DeviceIDs: []string{"mic-1"}, OpenResult: dev}
//	dev.Push(audio.AudioFrame{...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/huddle/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock [audio.CaptureDevice]. Frames pushed with
// [CaptureDevice.Push] are delivered on the frame channel.
type CaptureDevice struct {
	mu sync.Mutex

	DeviceID     string
	DeviceFormat audio.Format

	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [CaptureDevice.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureDevice returns a device with a buffered frame channel.
func NewCaptureDevice(id string, f audio.Format) *CaptureDevice {
	return &CaptureDevice{
		DeviceID:     id,
		DeviceFormat: f,
		frames:       make(chan audio.AudioFrame, 64),
	}
}

func (d *CaptureDevice) ID() string { return d.DeviceID }

func (d *CaptureDevice) Format() audio.Format { return d.DeviceFormat }

// Frames implements [audio.CaptureDevice].
func (d *CaptureDevice) Frames() <-chan audio.AudioFrame { return d.frames }

// Push delivers a frame. It reports false if the device is closed.
func (d *CaptureDevice) Push(f audio.AudioFrame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.frames <- f
	return true
}

// Close implements [audio.CaptureDevice].
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if !d.closed {
		d.closed = true
		close(d.frames)
	}
	return d.CloseError
}

// Closed reports whether Close has been called.
func (d *CaptureDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── DeviceProvider ───────────────────────────────────────────────────────────

// DeviceProvider is a mock [audio.DeviceProvider].
type DeviceProvider struct {
	mu sync.Mutex

	// DeviceIDs is returned by [DeviceProvider.Devices].
	DeviceIDs []string

	// OpenResult is returned by Open when OpenFunc is nil.
	OpenResult audio.CaptureDevice

	// OpenFunc, when non-nil, overrides OpenResult and OpenError.
	OpenFunc func(ctx context.Context, deviceID string) (audio.CaptureDevice, error)

	// OpenError is returned by Open when OpenFunc is nil.
	OpenError error

	// OpenCalls records the device ID passed to each Open call.
	OpenCalls []string
}

// Open implements [audio.DeviceProvider].
func (p *DeviceProvider) Open(ctx context.Context, deviceID string) (audio.CaptureDevice, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, deviceID)
	fn, res, err := p.OpenFunc, p.OpenResult, p.OpenError
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Devices implements [audio.DeviceProvider].
func (p *DeviceProvider) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.DeviceIDs...)
}

// Calls returns a copy of the recorded Open arguments.
func (p *DeviceProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.OpenCalls...)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that also implements [audio.OutputRouter].
// It does not read from the sources it is given.
type Sink struct {
	mu sync.Mutex

	ParticipantID string

	// PlayError is returned by Play.
	PlayError error

	// RouteError is returned by SetOutputDevice.
	RouteError error

	// Played records the ID of every source passed to Play.
	Played []string

	// Routed records every device passed to SetOutputDevice.
	Routed []string

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Play implements [audio.Sink].
func (s *Sink) Play(_ context.Context, src audio.PacketSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Played = append(s.Played, src.ID())
	return s.PlayError
}

// SetOutputDevice implements [audio.OutputRouter].
func (s *Sink) SetOutputDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Routed = append(s.Routed, deviceID)
	return s.RouteError
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Plays returns a copy of the recorded Play source IDs.
func (s *Sink) Plays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Played...)
}

// Routes returns a copy of the recorded output devices.
func (s *Sink) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Routed...)
}

// CloseCount returns how many times Close was called.
func (s *Sink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── SinkFactory ──────────────────────────────────────────────────────────────

// SinkFactory is a mock [audio.SinkFactory] creating [Sink] values.
type SinkFactory struct {
	mu sync.Mutex

	// NewSinkError is returned by NewSink.
	NewSinkError error

	// Configure, when non-nil, is called with every new sink.
	Configure func(s *Sink)

	// Sinks holds every created sink in creation order.
	Sinks []*Sink

	// Calls counts NewSink invocations, including failed ones.
	Calls int
}

// NewSink implements [audio.SinkFactory].
func (f *SinkFactory) NewSink(participantID string) (audio.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.NewSinkError != nil {
		return nil, f.NewSinkError
	}
	s := &Sink{ParticipantID: participantID}
	if f.Configure != nil {
		f.Configure(s)
	}
	f.Sinks = append(f.Sinks, s)
	return s, nil
}

// NewSinkCalls returns the number of NewSink invocations.
func (f *SinkFactory) NewSinkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// Created returns a copy of the created sinks.
func (f *SinkFactory) Created() []*Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Sink(nil), f.Sinks...)
}

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*CaptureDevice)(nil)
	_ audio.DeviceProvider = (*DeviceProvider)(nil)
	_ audio.Sink           = (*Sink)(nil)
	_ audio.OutputRouter   = (*Sink)(nil)
	_ audio.SinkFactory    = (*SinkFactory)(nil)
)
