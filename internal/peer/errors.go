package peer

import (
	"errors"
	"fmt"
)

// ErrNegotiation matches every [*NegotiationError] via errors.Is.
var ErrNegotiation = errors.New("peer: negotiation failed")

// ErrUnsupportedEnvironment is returned when no peer transport factory is
// available. No session is created.
var ErrUnsupportedEnvironment = errors.New("peer: peer connections are not supported in this environment")

// Negotiation steps reported in [NegotiationError.Step].
const (
	StepCreateOffer      = "create_offer"
	StepCreateAnswer     = "create_answer"
	StepSetLocal         = "set_local_description"
	StepSetRemote        = "set_remote_description"
	StepAddCandidate     = "add_ice_candidate"
	StepAddTrack         = "add_track"
	StepReplaceTransport = "replace_transport"
)

// NegotiationError is a failed description or candidate step. The session
// stays in its phase.
type NegotiationError struct {
	Peer string
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.Peer, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() []error { return []error{ErrNegotiation, e.Err} }
