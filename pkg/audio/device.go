// Package audio defines the device-facing interfaces and PCM helpers used by
// huddle's voice pipeline.
//
// The primary abstractions are:
//
//   - [DeviceProvider]: opens a capture device by ID and returns a [CaptureDevice].
//   - [CaptureDevice]: delivers fixed-duration PCM [AudioFrame] values from a microphone.
//   - [SinkFactory] / [Sink]: playback endpoints that consume the Opus packets of
//     a single remote participant, optionally routable to an output device via
//     [OutputRouter].
//
// Implementations live in sibling packages (e.g., audio/pcmpipe). The
// interfaces are intentionally narrow so that the peer and media layers never
// depend on a concrete audio backend.
package audio

import (
	"context"
	"errors"
)

// DefaultDeviceID is the device identifier that selects the provider's default
// device. An empty identifier is treated the same way.
const DefaultDeviceID = "default"

var (
	// ErrDeviceNotFound is returned by [DeviceProvider.Open] when no device
	// matches an exact device identifier.
	ErrDeviceNotFound = errors.New("audio: no device matches the requested id")

	// ErrPermissionDenied is returned by [DeviceProvider.Open] when the device
	// exists but cannot be opened by this process.
	ErrPermissionDenied = errors.New("audio: device access denied")

	// ErrPlaybackBlocked is returned by [Sink.Play] when the host refuses to
	// start playback (e.g., the output is not writable yet).
	ErrPlaybackBlocked = errors.New("audio: playback blocked")

	// ErrNotSupported is returned by optional capabilities such as output
	// routing when the backend cannot honour them.
	ErrNotSupported = errors.New("audio: operation not supported")
)

// IsDefaultDevice reports whether id selects the provider's default device.
func IsDefaultDevice(id string) bool {
	return id == "" || id == DefaultDeviceID
}

// CaptureDevice is an open microphone. Frames are delivered on the channel
// returned by [CaptureDevice.Frames] until [CaptureDevice.Close] is called or
// the underlying source ends, at which point the channel is closed.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// ID returns the identifier the device was opened with.
	ID() string

	// Format reports the PCM format of delivered frames.
	Format() Format

	// Frames returns the read-only frame channel. Every call returns the same channel.
	Frames() <-chan AudioFrame

	// Close stops capture and closes the frame channel. It is safe to call
	// more than once.
	Close() error
}

// DeviceProvider opens capture devices.
type DeviceProvider interface {
	// Open opens the device identified by deviceID. When deviceID selects the
	// default device ([IsDefaultDevice]) the provider picks its default.
	// Otherwise the match is exact: an unknown ID yields [ErrDeviceNotFound].
	Open(ctx context.Context, deviceID string) (CaptureDevice, error)

	// Devices lists the identifiers of all known capture devices.
	Devices() []string
}

// PacketSource is an inbound stream of encoded audio from one remote
// participant. ID identifies the stream object; two sources with the same ID
// are the same stream.
type PacketSource interface {
	ID() string

	// ReadPacket blocks until the next encoded (Opus) payload is available.
	// It returns an error once the stream has ended.
	ReadPacket() ([]byte, error)
}

// Sink plays back the stream of a single participant.
type Sink interface {
	// Play starts consuming src in the background. It returns
	// [ErrPlaybackBlocked] (possibly wrapped) when playback cannot start.
	// Calling Play again replaces the current source.
	Play(ctx context.Context, src PacketSource) error

	// Close stops playback and releases the sink. It is safe to call more than once.
	Close() error
}

// OutputRouter is implemented by sinks that can be routed to a specific
// output device.
type OutputRouter interface {
	SetOutputDevice(deviceID string) error
}

// SinkFactory creates one sink per remote participant.
type SinkFactory interface {
	NewSink(participantID string) (Sink, error)
}
