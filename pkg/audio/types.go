package audio

import "time"

// AudioFrame represents a single frame of PCM audio flowing through the pipeline.
// Frames are the atomic unit of local audio transport: captured from a device,
// tapped by the activity analyser, and encoded into outgoing media tracks.
type AudioFrame struct {
	// PCM audio data, little-endian int16 interleaved samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for WebRTC Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Silence returns a zero-filled frame with the same format and length as f.
func (f AudioFrame) Silence() AudioFrame {
	return AudioFrame{
		Data:       make([]byte, len(f.Data)),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Timestamp:  f.Timestamp,
	}
}
