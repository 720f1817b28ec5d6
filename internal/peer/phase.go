package peer

import "fmt"

// Phase is the signaling phase of a [Session].
type Phase int

const (
	PhaseNew Phase = iota
	PhaseOfferSent
	PhaseOfferReceived
	PhaseAnswerSent
	PhaseAnswerReceived
	PhaseStable
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseNew:            "new",
	PhaseOfferSent:      "offer_sent",
	PhaseOfferReceived:  "offer_received",
	PhaseAnswerSent:     "answer_sent",
	PhaseAnswerReceived: "answer_received",
	PhaseStable:         "stable",
	PhaseClosed:         "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// MarshalText lets phases render by name in JSON status output.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a phase name written by MarshalText.
func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("peer: unknown phase %q", b)
}
