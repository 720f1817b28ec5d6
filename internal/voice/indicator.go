package voice

import "log/slog"

// Indicator is the user-facing side of a voice session: per-participant
// speaking and mute badges plus modal alerts. Calls may arrive from several
// goroutines.
type Indicator interface {
	SetSpeaking(participantID string, speaking bool)
	SetMuted(participantID string, muted bool)
	Remove(participantID string)
	Alert(message string)
}

// logIndicator reports alerts through the logger and ignores badge updates.
type logIndicator struct {
	logger *slog.Logger
}

func (l logIndicator) SetSpeaking(string, bool) {}
func (l logIndicator) SetMuted(string, bool)    {}
func (l logIndicator) Remove(string)            {}

func (l logIndicator) Alert(message string) {
	l.logger.Warn("voice: alert", "message", message)
}
