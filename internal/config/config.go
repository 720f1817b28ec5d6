// Package config provides the configuration schema, loader, backend registry
// and file watcher for the huddle voice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/huddle/pkg/audio/webrtc"
	"github.com/MrWong99/huddle/pkg/provider/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching slog level. Unknown and empty levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ICEConfig       `yaml:"ice"`
	Audio     AudioConfig     `yaml:"audio"`
	Activity  ActivityConfig  `yaml:"activity"`
}

// ClientConfig identifies the local participant.
type ClientConfig struct {
	// UserID is the participant ID the relay knows this client by.
	UserID string `yaml:"user_id"`

	// Username is shown to the other members. Optional.
	Username string `yaml:"username"`

	// ChannelID is the voice channel to join.
	ChannelID string `yaml:"channel_id"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is the listen address of the admin HTTP server serving
	// health, metrics and status (e.g., "127.0.0.1:9090"). Empty disables it.
	AdminAddr string `yaml:"admin_addr"`
}

// SignalingConfig points at the relay.
type SignalingConfig struct {
	// URL is the relay websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// Cookie is sent with every dial, e.g. a session cookie. Optional.
	Cookie string `yaml:"cookie"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the relay reconnection backoff. Zero values select
// the client defaults.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ICEConfig lists the STUN/TURN servers.
type ICEConfig struct {
	Servers []webrtc.ICEServer `yaml:"servers"`
}

// DefaultICEServers are used when no server is configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// AudioConfig selects the audio backend and its devices.
type AudioConfig struct {
	// Backend selects the registered audio backend. Defaults to "pcmpipe".
	Backend string `yaml:"backend"`

	// Inputs are the capture devices. The first is the default device.
	Inputs []InputConfig `yaml:"inputs"`

	// OutputDir receives one decoded PCM file per remote participant.
	OutputDir string `yaml:"output_dir"`

	// PreferencesFile persists the selected input and output devices.
	PreferencesFile string `yaml:"preferences_file"`

	// Gain scales captured samples before encoding. Zero means unity. It is
	// applied live on reload.
	Gain float64 `yaml:"gain"`
}

// MaxGain bounds [AudioConfig.Gain].
const MaxGain = 10

// CaptureGain returns Gain with the zero value mapped to unity.
func (a AudioConfig) CaptureGain() float64 {
	if a.Gain == 0 {
		return 1
	}
	return a.Gain
}

// InputConfig describes one capture device. Exactly one of Path and Command
// is set.
type InputConfig struct {
	ID string `yaml:"id"`

	// Path is a file or named pipe of raw little-endian int16 PCM.
	Path string `yaml:"path"`

	// Command is run and its stdout read as raw PCM, e.g. an ffmpeg capture.
	Command []string `yaml:"command"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// ActivityConfig tunes speaking detection.
type ActivityConfig struct {
	// Engine selects the registered VAD engine. Defaults to "threshold".
	Engine string `yaml:"engine"`

	AverageThreshold float64       `yaml:"average_threshold"`
	PeakThreshold    float64       `yaml:"peak_threshold"`
	SilenceFrames    int           `yaml:"silence_frames"`
	Interval         time.Duration `yaml:"interval"`
}

// VAD returns the engine configuration, with defaults for unset fields.
func (a ActivityConfig) VAD() vad.Config {
	c := vad.DefaultConfig()
	if a.AverageThreshold != 0 {
		c.AverageThreshold = a.AverageThreshold
	}
	if a.PeakThreshold != 0 {
		c.PeakThreshold = a.PeakThreshold
	}
	if a.SilenceFrames != 0 {
		c.SilenceFrames = a.SilenceFrames
	}
	return c
}
