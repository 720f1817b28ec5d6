// Package opus wraps layeh.com/gopus with the fixed parameters WebRTC audio
// uses: 48 kHz stereo, 20 ms frames.
package opus

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/huddle/pkg/audio"
)

const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of samples per channel in one frame.
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// maxPacketBytes bounds a single encoded packet. 4000 bytes is the
	// recommended ceiling from the libopus documentation.
	maxPacketBytes = 4000
)

// Format is the PCM format accepted by [Encoder] and produced by [Decoder].
var Format = audio.Format{SampleRate: SampleRate, Channels: Channels}

// FrameBytes is the size of one PCM frame in [Format].
var FrameBytes = Format.FrameBytes(FrameDuration)

// Encoder turns one PCM frame (little-endian int16, interleaved, [Format]) into
// one Opus packet.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Decoder turns one Opus packet into one PCM frame in [Format].
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// GopusEncoder is the libopus-backed [Encoder]. It is not safe for concurrent use.
type GopusEncoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an encoder tuned for voice.
func NewEncoder() (*GopusEncoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &GopusEncoder{enc: enc}, nil
}

// Encode implements [Encoder]. Short frames are zero-padded to a full frame.
func (e *GopusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) < FrameBytes {
		padded := make([]byte, FrameBytes)
		copy(padded, pcm)
		pcm = padded
	}
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm[:FrameBytes]), FrameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// GopusDecoder is the libopus-backed [Decoder]. Each remote participant needs
// its own decoder since decoder state spans consecutive packets.
type GopusDecoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a decoder producing [Format] PCM.
func NewDecoder() (*GopusDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &GopusDecoder{dec: dec}, nil
}

// Decode implements [Decoder].
func (d *GopusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// Compile-time interface assertions.
var (
	_ Encoder = (*GopusEncoder)(nil)
	_ Decoder = (*GopusDecoder)(nil)
)
