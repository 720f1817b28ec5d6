package audio

import (
	"fmt"
	"log/slog"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// FrameBytes returns the byte size of d worth of 16-bit PCM in this format.
func (f Format) FrameBytes(d time.Duration) int {
	return int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * f.Channels * 2
}

// FormatConverter brings capture frames to Target, resampling before the
// channel remix so a stereo-to-mono conversion only interpolates one channel.
// A converter keeps per-stream state and must not be shared between streams.
type FormatConverter struct {
	Target Format
	Logger *slog.Logger

	seen    Format
	dropped bool
}

// Convert returns frame in the Target format. Frames already in Target pass
// through untouched. Frames with a dangling odd byte cannot be 16-bit PCM and
// come back empty.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if len(frame.Data)%2 != 0 {
		if !c.dropped {
			c.dropped = true
			c.logger().Warn("audio: dropping misaligned pcm frame", "bytes", len(frame.Data), "format", src)
		}
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}
	if src != c.seen {
		c.seen = src
		c.logger().Info("audio: converting capture format", "from", src, "to", c.Target)
	}

	pcm := BytesToInt16s(frame.Data)
	pcm = Resample(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	pcm = Remix(pcm, src.Channels, c.Target.Channels)
	return AudioFrame{
		Data:       Int16sToBytes(pcm),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Resample converts interleaved pcm with the given channel count from rate
// from to rate to by linear interpolation. Invalid rates or channel counts
// return pcm unchanged.
func Resample(pcm []int16, channels, from, to int) []int16 {
	if from <= 0 || to <= 0 || channels <= 0 || from == to {
		return pcm
	}
	in := len(pcm) / channels
	if in == 0 {
		return pcm
	}
	n := int(int64(in) * int64(to) / int64(from))
	out := make([]int16, n*channels)
	step := float64(from) / float64(to)
	for i := range n {
		pos := float64(i) * step
		a := int(pos)
		b := min(a+1, in-1)
		w := pos - float64(a)
		for ch := range channels {
			s0 := float64(pcm[a*channels+ch])
			s1 := float64(pcm[b*channels+ch])
			out[i*channels+ch] = int16(s0 + (s1-s0)*w)
		}
	}
	return out
}

// Remix converts interleaved pcm between channel counts. Downmixing averages
// all channels; upmixing copies the mono mix into every output channel.
func Remix(pcm []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	frames := len(pcm) / from
	out := make([]int16, frames*to)
	for i := range frames {
		var sum int32
		for _, s := range pcm[i*from : (i+1)*from] {
			sum += int32(s)
		}
		mix := int16(sum / int32(from))
		for ch := range to {
			out[i*to+ch] = mix
		}
	}
	return out
}

// Int16sToBytes encodes samples as little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s decodes little-endian samples. A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
