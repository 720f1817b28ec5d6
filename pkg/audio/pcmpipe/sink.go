package pcmpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/huddle/pkg/audio"
	"github.com/MrWong99/huddle/pkg/audio/opus"
)

// SinkFactory creates one [FileSink] per remote participant below Dir.
// Output devices are sub-directories of Dir.
type SinkFactory struct {
	Dir string

	// NewDecoder creates the per-stream decoder. Defaults to the libopus decoder.
	NewDecoder func() (opus.Decoder, error)

	Logger *slog.Logger
}

// NewSink implements [audio.SinkFactory].
func (f *SinkFactory) NewSink(participantID string) (audio.Sink, error) {
	if f.Dir == "" {
		return nil, errors.New("pcmpipe: sink directory is not configured")
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pcmpipe: create sink directory: %w", err)
	}
	newDec := f.NewDecoder
	if newDec == nil {
		newDec = func() (opus.Decoder, error) { return opus.NewDecoder() }
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		participant: participantID,
		dir:         f.Dir,
		newDecoder:  newDec,
		logger:      logger.With("participant", participantID),
	}, nil
}

var fileNameReplacer = strings.NewReplacer("/", "_", `\`, "_", string(os.PathSeparator), "_")

// FileSink decodes the packets of one participant and appends the PCM to
// <dir>/[<device>/]<participant>.pcm.
type FileSink struct {
	participant string
	dir         string
	newDecoder  func() (opus.Decoder, error)
	logger      *slog.Logger

	mu     sync.Mutex
	device string
	file   *os.File
	cancel context.CancelFunc
	closed bool
}

// Path returns the file the sink currently writes to.
func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pathLocked()
}

func (s *FileSink) pathLocked() string {
	name := fileNameReplacer.Replace(s.participant)
	if name == "" || name == "." || name == ".." {
		name = "_" + name
	}
	return filepath.Join(s.dir, s.device, name+".pcm")
}

// SetOutputDevice implements [audio.OutputRouter]. The device takes effect on
// the next Play call.
func (s *FileSink) SetOutputDevice(deviceID string) error {
	if audio.IsDefaultDevice(deviceID) {
		s.mu.Lock()
		s.device = ""
		s.mu.Unlock()
		return nil
	}
	if filepath.Base(deviceID) != deviceID || deviceID == "." || deviceID == ".." {
		return fmt.Errorf("pcmpipe: output device %q: %w", deviceID, audio.ErrNotSupported)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, deviceID), 0o755); err != nil {
		return fmt.Errorf("pcmpipe: output device %q: %w", deviceID, err)
	}
	s.mu.Lock()
	s.device = deviceID
	s.mu.Unlock()
	return nil
}

// Play implements [audio.Sink]. Playback runs until src ends, ctx is
// cancelled, Play is called again or the sink is closed.
func (s *FileSink) Play(ctx context.Context, src audio.PacketSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pcmpipe: play on closed sink: %w", audio.ErrPlaybackBlocked)
	}
	s.stopLocked()

	dec, err := s.newDecoder()
	if err != nil {
		return fmt.Errorf("pcmpipe: play: %w: %v", audio.ErrPlaybackBlocked, err)
	}
	f, err := os.OpenFile(s.pathLocked(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pcmpipe: play: %w: %v", audio.ErrPlaybackBlocked, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.file = f
	s.cancel = cancel

	go s.pump(ctx, src, dec, f)
	return nil
}

func (s *FileSink) pump(ctx context.Context, src audio.PacketSource, dec opus.Decoder, f *os.File) {
	log := s.logger.With("stream", src.ID())
	for {
		packet, err := src.ReadPacket()
		if err != nil {
			log.Debug("pcmpipe: remote stream ended", "err", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		pcm, err := dec.Decode(packet)
		if err != nil {
			log.Debug("pcmpipe: dropping undecodable packet", "err", err)
			continue
		}
		if _, err := f.Write(pcm); err != nil {
			if ctx.Err() == nil {
				log.Warn("pcmpipe: write failed, stopping playback", "err", err)
			}
			return
		}
	}
}

func (s *FileSink) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// Close implements [audio.Sink].
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
	return nil
}

var (
	_ audio.SinkFactory  = (*SinkFactory)(nil)
	_ audio.Sink         = (*FileSink)(nil)
	_ audio.OutputRouter = (*FileSink)(nil)
)
