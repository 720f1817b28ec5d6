package voice

import (
	"context"

	"github.com/MrWong99/huddle/internal/peer"
	"github.com/MrWong99/huddle/internal/signaling"
)

// relaySignaler sends negotiation messages as voice_signal events.
type relaySignaler struct {
	c *Client
}

// Signal implements [peer.Signaler].
func (s relaySignaler) Signal(ctx context.Context, m peer.Message) error {
	return s.c.send(ctx, signaling.EventVoiceSignal, toVoiceSignal(m))
}

func toVoiceSignal(m peer.Message) signaling.VoiceSignal {
	return signaling.VoiceSignal{
		Type:        signaling.SignalType(m.Type),
		SDP:         m.Description,
		Candidate:   m.Candidate,
		RecipientID: signaling.ParticipantID(m.RecipientID),
	}
}

func fromVoiceSignal(localID string, v signaling.VoiceSignal) peer.Message {
	return peer.Message{
		Type:        peer.MessageType(v.Type),
		SenderID:    string(v.SenderID),
		RecipientID: localID,
		Description: v.SDP,
		Candidate:   v.Candidate,
	}
}
