package threshold_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/huddle/pkg/provider/vad"
	"github.com/MrWong99/huddle/pkg/provider/vad/threshold"
)

// spectrum returns a 128-bin frame with every bin set to v.
func spectrum(v byte) []byte {
	f := make([]byte, 128)
	for i := range f {
		f[i] = v
	}
	return f
}

var (
	loud  = spectrum(50)
	quiet = spectrum(0)
)

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := threshold.New().NewSession(vad.DefaultConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// run feeds frames and returns the emitted transition types in order.
func run(t *testing.T, s vad.SessionHandle, frames ...[]byte) []vad.VADEventType {
	t.Helper()
	var out []vad.VADEventType
	for _, f := range frames {
		ev, err := s.ProcessFrame(f)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Transition() {
			out = append(out, ev.Type)
		}
	}
	return out
}

func repeat(f []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = f
	}
	return out
}

func TestMeasure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		frame    []byte
		wantAvg  float64
		wantPeak float64
	}{
		{"empty", nil, 0, 0},
		{"flat", []byte{10, 10, 10, 10}, 10, 10},
		{"spike", []byte{0, 0, 0, 40}, 10, 40},
		{"max", []byte{255}, 255, 255},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			avg, peak := threshold.Measure(tc.frame)
			if avg != tc.wantAvg || peak != tc.wantPeak {
				t.Errorf("Measure = (%v, %v), want (%v, %v)", avg, peak, tc.wantAvg, tc.wantPeak)
			}
		})
	}
}

func TestQualifyingRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame []byte
		want  vad.VADEventType
	}{
		// average 10 is not strictly above the threshold.
		{"average at threshold", spectrum(10), vad.VADSilence},
		{"average above threshold", spectrum(11), vad.VADSpeechStart},
		{"peak at threshold", append(spectrum(0)[:127], 30), vad.VADSilence},
		{"peak above threshold", append(spectrum(0)[:127], 31), vad.VADSpeechStart},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newSession(t)
			ev, err := s.ProcessFrame(tc.frame)
			if err != nil {
				t.Fatalf("ProcessFrame: %v", err)
			}
			if ev.Type != tc.want {
				t.Errorf("Type = %s, want %s", ev.Type, tc.want)
			}
		})
	}
}

// TestHysteresis_FlapSuppressed crosses the threshold, drops below it for one
// frame fewer than the hang-over, and crosses again: no end event may fire.
func TestHysteresis_FlapSuppressed(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	frames := [][]byte{loud}
	frames = append(frames, repeat(quiet, vad.DefaultSilenceFrames-1)...)
	frames = append(frames, loud)

	got := run(t, s, frames...)
	if len(got) != 1 || got[0] != vad.VADSpeechStart {
		t.Errorf("transitions = %v, want [speech_start]", got)
	}
}

// TestHysteresis_EndsAfterSilenceFrames checks that exactly SilenceFrames
// quiet frames end speech with exactly one end event.
func TestHysteresis_EndsAfterSilenceFrames(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	frames := [][]byte{loud, loud}
	frames = append(frames, repeat(quiet, vad.DefaultSilenceFrames)...)
	// Further quiet frames produce no additional events.
	frames = append(frames, repeat(quiet, 25)...)

	got := run(t, s, frames...)
	want := []vad.VADEventType{vad.VADSpeechStart, vad.VADSpeechEnd}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHysteresis_EndFiresOnExactFrame(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	run(t, s, loud)
	for i := 1; i <= vad.DefaultSilenceFrames; i++ {
		ev, err := s.ProcessFrame(quiet)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		wantEnd := i == vad.DefaultSilenceFrames
		if (ev.Type == vad.VADSpeechEnd) != wantEnd {
			t.Fatalf("quiet frame %d: type %s", i, ev.Type)
		}
		if !wantEnd && !ev.Speaking() {
			t.Fatalf("quiet frame %d: should still count as speaking", i)
		}
	}
}

func TestSession_ResetAndClose(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	run(t, s, loud)
	s.Reset()
	if got := run(t, s, loud); len(got) != 1 || got[0] != vad.VADSpeechStart {
		t.Errorf("after Reset transitions = %v, want [speech_start]", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(loud); !errors.Is(err, vad.ErrClosed) {
		t.Errorf("ProcessFrame after Close = %v, want ErrClosed", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero silence frames", vad.Config{AverageThreshold: 10, PeakThreshold: 30}},
		{"negative average", vad.Config{AverageThreshold: -1, PeakThreshold: 30, SilenceFrames: 10}},
		{"peak too large", vad.Config{AverageThreshold: 10, PeakThreshold: 300, SilenceFrames: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := threshold.New().NewSession(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
