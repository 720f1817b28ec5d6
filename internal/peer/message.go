package peer

import (
	"fmt"

	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// MessageType is the kind of a signaling [Message].
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice_candidate"
)

// Message is one negotiation message exchanged through the relay.
type Message struct {
	Type        MessageType
	SenderID    string
	RecipientID string

	// Description is set for offers and answers.
	Description *webrtc.SessionDescription
	// Candidate is set for ICE candidates.
	Candidate *webrtc.ICECandidate
}

// Validate checks that the payload matches the type.
func (m Message) Validate() error {
	switch m.Type {
	case MessageOffer, MessageAnswer:
		if m.Description == nil {
			return fmt.Errorf("peer: %s message without description", m.Type)
		}
	case MessageICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("peer: ice_candidate message without candidate")
		}
	default:
		return fmt.Errorf("peer: unknown message type %q", m.Type)
	}
	return nil
}
