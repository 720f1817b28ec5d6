package opus_test

import (
	"testing"

	"github.com/MrWong99/huddle/pkg/audio/opus"
)

func TestFrameBytes(t *testing.T) {
	t.Parallel()
	// 960 samples * 2 channels * 2 bytes/sample.
	if opus.FrameBytes != 3840 {
		t.Errorf("FrameBytes = %d, want 3840", opus.FrameBytes)
	}
	if opus.FrameSize != 960 {
		t.Errorf("FrameSize = %d, want 960", opus.FrameSize)
	}
}

// TestEncodeDecode encodes a full and a short frame and decodes them back to
// full-size PCM frames.
func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	enc, err := opus.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := opus.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	for _, size := range []int{opus.FrameBytes, opus.FrameBytes / 2} {
		packet, err := enc.Encode(make([]byte, size))
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", size, err)
		}
		if len(packet) == 0 {
			t.Fatalf("Encode(%d bytes): empty packet", size)
		}
		pcm, err := dec.Decode(packet)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(pcm) != opus.FrameBytes {
			t.Errorf("Decode: got %d bytes, want %d", len(pcm), opus.FrameBytes)
		}
	}
}
