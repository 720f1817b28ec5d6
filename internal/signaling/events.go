package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MrWong99/huddle/pkg/audio/webrtc"
)

// Event names exchanged with the relay.
const (
	// Outbound.
	EventJoinVoiceChannel   = "join_voice_channel"
	EventLeaveVoiceChannel  = "leave_voice_channel"
	EventUpdateMuteStatus   = "update_mute_status"
	EventUserSpeakingStatus = "user_speaking_status"

	// Both directions.
	EventVoiceSignal = "voice_signal"

	// Inbound.
	EventVoiceChannelUsers = "voice_channel_users"
	EventUserJoinedVoice   = "user_joined_voice"
	EventUserLeftVoice     = "user_left_voice"
	EventUserSpeaking      = "user_speaking"
	EventUserMuteStatus    = "user_mute_status"
	EventError             = "error"

	// EventConnect is dispatched locally each time the transport (re)connects.
	// It carries no payload.
	EventConnect = "connect"
)

// ParticipantID identifies a channel member. On the wire it may be a JSON
// string or number; it is always handled as a string.
type ParticipantID string

// UnmarshalJSON accepts both string and numeric identifiers.
func (p *ParticipantID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = ParticipantID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("signaling: participant id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("signaling: participant id %q: %w", n, err)
	}
	*p = ParticipantID(n.String())
	return nil
}

// SignalType is the kind of a voice_signal message.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice_candidate"
)

// VoiceSignal is the payload of voice_signal. Outbound messages set
// RecipientID; the relay replaces it with SenderID on delivery.
type VoiceSignal struct {
	Type        SignalType                 `json:"type"`
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidate       `json:"candidate,omitempty"`
	RecipientID ParticipantID              `json:"recipient_id,omitempty"`
	SenderID    ParticipantID              `json:"sender_id,omitempty"`
	SenderName  string                     `json:"sender_name,omitempty"`
}

// Validate checks that the payload matching Type is present.
func (s VoiceSignal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == nil || s.SDP.SDP == "" {
			return fmt.Errorf("signaling: %s without sdp", s.Type)
		}
	case SignalICECandidate:
		if s.Candidate == nil {
			return fmt.Errorf("signaling: ice_candidate without candidate")
		}
	default:
		return fmt.Errorf("signaling: unknown signal type %q", s.Type)
	}
	return nil
}

// JoinVoiceChannel is the payload of join_voice_channel.
type JoinVoiceChannel struct {
	ChannelID string `json:"channel_id"`
}

// MuteStatus is the payload of update_mute_status.
type MuteStatus struct {
	IsMuted bool `json:"is_muted"`
}

// SpeakingStatus is the payload of user_speaking_status.
type SpeakingStatus struct {
	Speaking  bool   `json:"speaking"`
	ChannelID string `json:"channel_id"`
}

// User is one entry of a channel roster.
type User struct {
	UserID   ParticipantID `json:"user_id"`
	Username string        `json:"username"`
}

// VoiceChannelUsers is the payload of voice_channel_users.
type VoiceChannelUsers struct {
	Users []User `json:"users"`
}

// UserLeftVoice is the payload of user_left_voice.
type UserLeftVoice struct {
	UserID ParticipantID `json:"user_id"`
}

// UserSpeaking is the payload of user_speaking.
type UserSpeaking struct {
	UserID   ParticipantID `json:"user_id"`
	Speaking bool          `json:"speaking"`
}

// UserMuteStatus is the payload of user_mute_status.
type UserMuteStatus struct {
	UserID  ParticipantID `json:"user_id"`
	IsMuted bool          `json:"is_muted"`
}

// ErrorMessage is the payload of error.
type ErrorMessage struct {
	Message string `json:"message"`
}
