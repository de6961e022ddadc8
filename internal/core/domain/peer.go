package domain

import "time"

// PeerState is the negotiation state of one PeerLink.
type PeerState string

const (
	PeerIdle          PeerState = "idle"
	PeerOffering      PeerState = "offering"
	PeerAnswerPending PeerState = "answer-pending"
	PeerAnswerSent    PeerState = "answer-sent"
	PeerConnected     PeerState = "connected"
	PeerClosed        PeerState = "closed"
)

// PeerRole records which side created the offer.
type PeerRole string

const (
	RoleOfferer  PeerRole = "offerer"
	RoleAnswerer PeerRole = "answerer"
)

// ConnectionState mirrors the media engine's aggregate connection state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// MediaStatus distinguishes "no capture at all" from a live (possibly muted) capture.
type MediaStatus string

const (
	MediaLive    MediaStatus = "live"
	MediaNone    MediaStatus = "no-media"
	MediaPending MediaStatus = "pending"
)

// PeerView is the read-only projection of a PeerLink handed to presentation code.
type PeerView struct {
	ID          ParticipantID
	State       PeerState
	Role        PeerRole
	RemoteMuted bool
	Speaking    bool
	Health      LinkHealth
	CreatedAt   time.Time
}

// LocalMediaView describes the local capture.
type LocalMediaView struct {
	Status       MediaStatus
	DeviceID     string
	Muted        bool
	Enhancements AudioEnhancements
	LastError    string
}

// AudioEnhancements are the capture processing constraints requested by the user.
type AudioEnhancements struct {
	EchoCancellation bool `yaml:"echo_cancellation" json:"echoCancellation"`
	NoiseSuppression bool `yaml:"noise_suppression" json:"noiseSuppression"`
	AutoGainControl  bool `yaml:"auto_gain_control" json:"autoGainControl"`
}

// PeerEventKind enumerates orchestrator notifications.
type PeerEventKind string

const (
	PeerAdded    PeerEventKind = "peer-added"
	PeerUpdated  PeerEventKind = "peer-updated"
	PeerRemoved  PeerEventKind = "peer-removed"
	MediaChanged PeerEventKind = "media-changed"
)

type PeerEvent struct {
	Kind  PeerEventKind
	Peer  PeerView
	Media LocalMediaView
}
