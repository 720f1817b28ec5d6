package activity

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/huddle/pkg/audio"
)

// Analyser defaults, matching a browser AnalyserNode.
const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.5
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Analyser produces byte-scale frequency magnitudes for the monitor.
type Analyser interface {
	// FrequencyData returns one byte per frequency bin (0-255).
	FrequencyData() []byte
}

// SpectrumAnalyser keeps the most recent FFT window of captured PCM and turns
// it into smoothed, byte-scaled magnitudes. Write is meant to be registered
// as a stream tap.
type SpectrumAnalyser struct {
	mu        sync.Mutex
	fft       *fourier.FFT
	size      int
	window    []float64 // Blackman coefficients
	samples   []float64 // ring of mono samples in [-1, 1)
	pos       int
	smoothed  []float64
	smoothing float64
	minDB     float64
	maxDB     float64

	scratch []float64
	coeffs  []complex128
}

// NewSpectrumAnalyser returns an analyser with the default parameters.
func NewSpectrumAnalyser() *SpectrumAnalyser {
	n := DefaultFFTSize
	a := &SpectrumAnalyser{
		fft:       fourier.NewFFT(n),
		size:      n,
		window:    blackman(n),
		samples:   make([]float64, n),
		smoothed:  make([]float64, n/2),
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
		scratch:   make([]float64, n),
		coeffs:    make([]complex128, n/2+1),
	}
	return a
}

// Bins returns the number of frequency bins.
func (a *SpectrumAnalyser) Bins() int { return a.size / 2 }

// Write appends the frame's samples, downmixed to mono, to the window.
func (a *SpectrumAnalyser) Write(f audio.AudioFrame) {
	ch := f.Channels
	if ch <= 0 {
		return
	}
	pcm := audio.BytesToInt16s(f.Data)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+ch <= len(pcm); i += ch {
		var sum float64
		for c := range ch {
			sum += float64(pcm[i+c])
		}
		a.samples[a.pos] = sum / float64(ch) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// FrequencyData implements [Analyser].
func (a *SpectrumAnalyser) FrequencyData() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.size {
		a.scratch[i] = a.samples[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	out := make([]byte, a.size/2)
	scale := 255 / (a.maxDB - a.minDB)
	for k := range out {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		out[k] = toByte(scale * (20*math.Log10(a.smoothed[k]) - a.minDB))
	}
	return out
}

// Reset clears the sample window and smoothing state.
func (a *SpectrumAnalyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.samples)
	clear(a.smoothed)
	a.pos = 0
}

func toByte(v float64) byte {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v)
	}
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
