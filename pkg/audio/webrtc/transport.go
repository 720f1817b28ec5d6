// Package webrtc defines the peer transport used for one-to-one voice
// sessions and provides a pion/webrtc implementation of it.
//
// The negotiation layer only sees [PeerTransport], [LocalTrack] and
// [RemoteTrack], so it can be exercised against the in-memory transport from
// the mock sub-package without opening sockets.
package webrtc

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/huddle/pkg/audio"
)

// ErrForeignTrack is returned by [PeerTransport.AddTrack] when the track was
// not created by a compatible factory.
var ErrForeignTrack = errors.New("webrtc: track was not created by this transport implementation")

// SDPType is the type of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP offer or answer in its JSON wire form.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a trickled ICE candidate in its JSON wire form.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ConnectionState mirrors the aggregate peer connection state.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

var connectionStateNames = [...]string{
	ConnectionStateNew:          "new",
	ConnectionStateConnecting:   "connecting",
	ConnectionStateConnected:    "connected",
	ConnectionStateDisconnected: "disconnected",
	ConnectionStateFailed:       "failed",
	ConnectionStateClosed:       "closed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return "unknown"
	}
	return connectionStateNames[s]
}

// Terminal reports whether the state ends the session for good.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

// ICEServer is a STUN or TURN server used during candidate gathering.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// LocalTrack is an outbound audio track. One track may be attached to many
// transports at once; samples written to it reach every attached peer.
type LocalTrack interface {
	ID() string
	StreamID() string

	// WriteSample sends one encoded (Opus) frame of the given duration.
	WriteSample(payload []byte, duration time.Duration) error
}

// RemoteTrack is an inbound audio track. Its [audio.PacketSource] ID is the
// identifier of the remote stream the track belongs to.
type RemoteTrack interface {
	audio.PacketSource

	// TrackID returns the identifier of the track within its stream.
	TrackID() string
}

// PeerTransport is one WebRTC peer connection.
//
// The On* setters register a single callback each; registering again
// replaces the previous callback. Callbacks may fire on any goroutine and
// must not block.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error

	// LocalDescription and RemoteDescription return nil until the
	// corresponding description has been set.
	LocalDescription() *SessionDescription
	RemoteDescription() *SessionDescription

	// AddICECandidate applies a remote candidate. The remote description
	// must already be set.
	AddICECandidate(ctx context.Context, candidate ICECandidate) error

	// AddTrack attaches a local track for sending.
	AddTrack(track LocalTrack) error

	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))

	// Close tears down the connection. It is safe to call more than once.
	Close() error
}

// Factory creates peer transports. peerID is used for logging only.
type Factory interface {
	NewTransport(peerID string) (PeerTransport, error)
}

// TrackFactory creates local tracks that transports from the same
// implementation accept.
type TrackFactory interface {
	NewLocalTrack(id, streamID string) (LocalTrack, error)
}
