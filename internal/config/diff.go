package config

import (
	"slices"

	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// ConfigDiff describes what changed between two configs.
// The log level and capture gain are applied live; every other tracked
// change takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GainChanged bool
	NewGain     float64

	// ActivityChanged is set when a speaking detection parameter changed.
	// It is applied when the client next joins the channel.
	ActivityChanged bool

	// RestartRequired lists the top-level sections whose changes need a restart.
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.GainChanged || d.ActivityChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Client.LogLevel != new.Client.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Client.LogLevel
	}
	if old.Audio.CaptureGain() != new.Audio.CaptureGain() {
		d.GainChanged = true
		d.NewGain = new.Audio.CaptureGain()
	}
	if old.Activity != new.Activity {
		d.ActivityChanged = true
	}

	oc, nc := old.Client, new.Client
	oc.LogLevel, nc.LogLevel = "", ""
	if oc != nc {
		d.RestartRequired = append(d.RestartRequired, "client")
	}
	if old.Signaling != new.Signaling {
		d.RestartRequired = append(d.RestartRequired, "signaling")
	}
	if !slices.EqualFunc(old.ICE.Servers, new.ICE.Servers, func(a, b webrtc.ICEServer) bool {
		return slices.Equal(a.URLs, b.URLs) && a.Username == b.Username && a.Credential == b.Credential
	}) {
		d.RestartRequired = append(d.RestartRequired, "ice")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func audioEqual(a, b AudioConfig) bool {
	if a.Backend != b.Backend || a.OutputDir != b.OutputDir || a.PreferencesFile != b.PreferencesFile {
		return false
	}
	return slices.EqualFunc(a.Inputs, b.Inputs, func(x, y InputConfig) bool {
		return x.ID == y.ID && x.Path == y.Path && slices.Equal(x.Command, y.Command) &&
			x.SampleRate == y.SampleRate && x.Channels == y.Channels
	})
}
