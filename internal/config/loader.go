package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default backend names.
const (
	DefaultAudioBackend = "pcmpipe"
	DefaultVADEngine    = "threshold"
)

// KnownBackends lists the built-in backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var KnownBackends = map[string][]string{
	"audio": {"pcmpipe"},
	"vad":   {"threshold"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in unset optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Client.LogLevel == "" {
		cfg.Client.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultAudioBackend
	}
	if cfg.Activity.Engine == "" {
		cfg.Activity.Engine = DefaultVADEngine
	}
	if len(cfg.ICE.Servers) == 0 {
		cfg.ICE.Servers = slices.Clone(DefaultICEServers)
	}
	for i := range cfg.Audio.Inputs {
		in := &cfg.Audio.Inputs[i]
		if in.SampleRate == 0 {
			in.SampleRate = 48000
		}
		if in.Channels == 0 {
			in.Channels = 1
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Client
	if cfg.Client.UserID == "" {
		errs = append(errs, errors.New("client.user_id is required"))
	}
	if cfg.Client.ChannelID == "" {
		errs = append(errs, errors.New("client.channel_id is required"))
	}
	if cfg.Client.LogLevel != "" && !cfg.Client.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Client.LogLevel))
	}

	// Signaling
	if cfg.Signaling.URL == "" {
		errs = append(errs, errors.New("signaling.url is required"))
	} else if u, err := url.Parse(cfg.Signaling.URL); err != nil {
		errs = append(errs, fmt.Errorf("signaling.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("signaling.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	rc := cfg.Signaling.Reconnect
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("signaling.reconnect.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("signaling.reconnect backoff durations must not be negative"))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("signaling.reconnect.max_backoff %s is shorter than backoff %s", rc.MaxBackoff, rc.Backoff))
	}
	if strings.HasPrefix(cfg.Signaling.URL, "ws://") && cfg.Signaling.Cookie != "" {
		slog.Warn("signaling.cookie is sent over an unencrypted ws:// connection")
	}

	// ICE
	for i, srv := range cfg.ICE.Servers {
		prefix := fmt.Sprintf("ice.servers[%d]", i)
		if len(srv.URLs) == 0 {
			errs = append(errs, fmt.Errorf("%s.urls is required", prefix))
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				errs = append(errs, fmt.Errorf("%s url %q must use the stun, stuns, turn or turns scheme", prefix, u))
			}
		}
	}

	// Audio
	validateBackendName("audio", cfg.Audio.Backend)
	if len(cfg.Audio.Inputs) == 0 {
		slog.Warn("audio.inputs is empty; the client will join without a microphone")
	}
	if cfg.Audio.OutputDir == "" {
		errs = append(errs, errors.New("audio.output_dir is required"))
	}
	inputIDs := make(map[string]int, len(cfg.Audio.Inputs))
	for i, in := range cfg.Audio.Inputs {
		prefix := fmt.Sprintf("audio.inputs[%d]", i)
		if in.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := inputIDs[in.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of audio.inputs[%d]", prefix, in.ID, prev))
			}
			inputIDs[in.ID] = i
		}
		if (in.Path == "") == (len(in.Command) == 0) {
			errs = append(errs, fmt.Errorf("%s: exactly one of path and command must be set", prefix))
		}
		if in.SampleRate < 8000 || in.SampleRate > 192000 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 192000]", prefix, in.SampleRate))
		}
		if in.Channels != 1 && in.Channels != 2 {
			errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", prefix, in.Channels))
		}
	}

	if cfg.Audio.Gain < 0 || cfg.Audio.Gain > MaxGain {
		errs = append(errs, fmt.Errorf("audio.gain %v is out of range [0, %d]", cfg.Audio.Gain, MaxGain))
	}

	// Activity
	validateBackendName("vad", cfg.Activity.Engine)
	if err := cfg.Activity.VAD().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("activity: %w", err))
	}
	if cfg.Activity.Interval < 0 {
		errs = append(errs, fmt.Errorf("activity.interval %s must not be negative", cfg.Activity.Interval))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [KnownBackends] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := KnownBackends[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; it must be registered before startup",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
