// Package pcmpipe implements the audio device interfaces on top of raw PCM
// streams: capture reads little-endian int16 samples from a file, a named
// pipe or the stdout of a command (typically ffmpeg), and playback writes the
// decoded audio of each remote participant to its own .pcm file.
package pcmpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/huddle/pkg/audio"
)

// DefaultFrameDuration is the duration of each captured frame.
const DefaultFrameDuration = 20 * time.Millisecond

// Input describes one capture device. Exactly one of Path and Command is set.
type Input struct {
	ID      string
	Path    string
	Command []string
	Format  audio.Format
}

func (in Input) validate() error {
	switch {
	case in.ID == "":
		return errors.New("pcmpipe: input id is empty")
	case in.Path == "" && len(in.Command) == 0:
		return fmt.Errorf("pcmpipe: input %q has neither path nor command", in.ID)
	case in.Path != "" && len(in.Command) > 0:
		return fmt.Errorf("pcmpipe: input %q has both path and command", in.ID)
	case in.Format.SampleRate <= 0 || in.Format.Channels < 1 || in.Format.Channels > 2:
		return fmt.Errorf("pcmpipe: input %q has unsupported format %s", in.ID, in.Format)
	}
	return nil
}

// Provider is an [audio.DeviceProvider] over a static list of inputs. The
// first input is the default device unless one is named "default".
type Provider struct {
	inputs []Input
	frame  time.Duration
	paced  bool
	logger *slog.Logger
}

// Option configures a [Provider].
type Option func(*Provider)

// WithFrameDuration sets the duration of each delivered frame.
func WithFrameDuration(d time.Duration) Option {
	return func(p *Provider) { p.frame = d }
}

// WithoutPacing delivers frames as fast as the source produces them instead
// of one per frame duration.
func WithoutPacing() Option {
	return func(p *Provider) { p.paced = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// NewProvider validates inputs and returns a provider for them.
func NewProvider(inputs []Input, opts ...Option) (*Provider, error) {
	seen := make(map[string]bool, len(inputs))
	var errs []error
	for _, in := range inputs {
		if err := in.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[in.ID] {
			errs = append(errs, fmt.Errorf("pcmpipe: duplicate input id %q", in.ID))
		}
		seen[in.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	p := &Provider{
		inputs: inputs,
		frame:  DefaultFrameDuration,
		paced:  true,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Devices implements [audio.DeviceProvider].
func (p *Provider) Devices() []string {
	ids := make([]string, len(p.inputs))
	for i, in := range p.inputs {
		ids[i] = in.ID
	}
	return ids
}

func (p *Provider) lookup(deviceID string) (Input, bool) {
	if audio.IsDefaultDevice(deviceID) {
		for _, in := range p.inputs {
			if in.ID == audio.DefaultDeviceID {
				return in, true
			}
		}
		if len(p.inputs) > 0 {
			return p.inputs[0], true
		}
		return Input{}, false
	}
	for _, in := range p.inputs {
		if in.ID == deviceID {
			return in, true
		}
	}
	return Input{}, false
}

// Open implements [audio.DeviceProvider]. The capture outlives ctx; it runs
// until the returned device is closed or the source ends.
func (p *Provider) Open(ctx context.Context, deviceID string) (audio.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, ok := p.lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("pcmpipe: open %q: %w", deviceID, audio.ErrDeviceNotFound)
	}

	var pace time.Duration
	if p.paced {
		pace = p.frame
	}
	logger := p.logger.With("device", in.ID)

	if in.Path != "" {
		f, err := os.Open(in.Path)
		if err != nil {
			return nil, classifyOpenError(in.ID, err)
		}
		return NewDevice(in.ID, f, in.Format, p.frame, pace, logger), nil
	}

	cmd := exec.Command(in.Command[0], in.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pcmpipe: open %q: stdout pipe: %w", in.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyOpenError(in.ID, err)
	}
	d := NewDevice(in.ID, stdout, in.Format, p.frame, pace, logger)
	d.stop = func() error {
		_ = cmd.Process.Kill()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killed on purpose or ended on its own; neither is a close failure.
			return nil
		}
		return err
	}
	return d, nil
}

func classifyOpenError(id string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("pcmpipe: open %q: %w: %v", id, audio.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("pcmpipe: open %q: %w: %v", id, audio.ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("pcmpipe: open %q: %w", id, err)
	}
}

// Device is an [audio.CaptureDevice] reading fixed-size frames from a reader.
type Device struct {
	id     string
	format audio.Format
	r      io.ReadCloser
	frames chan audio.AudioFrame
	done   chan struct{}
	exited chan struct{}
	logger *slog.Logger

	// stop, when set, releases resources beyond r (e.g., a child process).
	stop func() error

	closeOnce sync.Once
	closeErr  error
}

// NewDevice starts reading frames of duration frame from r. When pace is
// positive, at most one frame is delivered per pace interval. A trailing
// partial frame is zero-padded.
func NewDevice(id string, r io.ReadCloser, f audio.Format, frame, pace time.Duration, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		id:     id,
		format: f,
		r:      r,
		frames: make(chan audio.AudioFrame, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
	}
	go d.run(f.FrameBytes(frame), frame, pace)
	return d
}

func (d *Device) run(size int, frame, pace time.Duration) {
	defer close(d.exited)
	defer close(d.frames)

	var tick <-chan time.Time
	if pace > 0 {
		ticker := time.NewTicker(pace)
		defer ticker.Stop()
		tick = ticker.C
	}

	var ts time.Duration
	for {
		if tick != nil {
			select {
			case <-tick:
			case <-d.done:
				return
			}
		}

		buf := make([]byte, size)
		n, err := io.ReadFull(d.r, buf)
		if n > 0 {
			select {
			case d.frames <- audio.AudioFrame{Data: buf, SampleRate: d.format.SampleRate, Channels: d.format.Channels, Timestamp: ts}:
				ts += frame
			case <-d.done:
				return
			}
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					d.logger.Info("pcmpipe: capture source ended")
				} else {
					d.logger.Warn("pcmpipe: capture read failed", "err", err)
				}
			}
			return
		}
	}
}

func (d *Device) ID() string { return d.id }

func (d *Device) Format() audio.Format { return d.format }

// Frames implements [audio.CaptureDevice].
func (d *Device) Frames() <-chan audio.AudioFrame { return d.frames }

// Close implements [audio.CaptureDevice].
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		err := d.r.Close()
		if d.stop != nil {
			err = errors.Join(err, d.stop())
		}
		<-d.exited
		if err != nil && !errors.Is(err, os.ErrClosed) {
			d.closeErr = fmt.Errorf("pcmpipe: close %q: %w", d.id, err)
		}
	})
	return d.closeErr
}

var (
	_ audio.DeviceProvider = (*Provider)(nil)
	_ audio.CaptureDevice  = (*Device)(nil)
)
