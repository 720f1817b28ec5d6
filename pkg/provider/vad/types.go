package vad

// VADEvent represents a voice activity detection result for a single frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Average and Peak are the mean and maximum bin magnitudes of the frame.
	Average float64
	Peak    float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech, including frames inside the
	// silence hang-over.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Transition reports whether the event changes the speaking state.
func (e VADEvent) Transition() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechEnd
}

// Speaking reports whether the stream is considered speaking after the event.
func (e VADEvent) Speaking() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}
