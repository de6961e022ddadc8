package ports

import (
	"context"

	"voxmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the media engine capability for one remote participant.
// Callbacks may fire on engine goroutines.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// AddAudioSender attaches track as the outgoing audio. A nil track
	// reserves a send-receive audio slot with nothing attached yet.
	AddAudioSender(track webrtc.TrackLocal) (TrackSender, error)
	Senders() []TrackSender
	Stats() (domain.LinkStats, error)
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(domain.ConnectionState))
	OnRemoteAudioLevel(fn func(domain.AudioLevel))
	Close() error
}

// TrackSender swaps the outgoing track without renegotiation.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Capture is one live local audio capture.
type Capture interface {
	Track() webrtc.TrackLocal
	DeviceID() string
	Enhancements() domain.AudioEnhancements
	// SetEnabled toggles between real frames and silence. The capture keeps running.
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
}

// MediaCapturer opens local captures.
type MediaCapturer interface {
	Open(ctx context.Context, deviceID string, enhancements domain.AudioEnhancements) (Capture, error)
	Devices() []string
}

// SignalChannel is the client's outbound half of the control channel.
type SignalChannel interface {
	Send(msg *domain.Message) error
	Close() error
}
