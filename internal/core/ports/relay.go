package ports

import (
	"time"

	"voxmesh/internal/core/domain"
)

// SessionConn is the relay's handle on one accepted control channel.
// Implementations must make Send non-blocking and safe to call from the
// room goroutine.
type SessionConn interface {
	Generation() domain.Generation
	// Send queues one frame. It returns domain.ErrBackpressure when the
	// outbound queue is full and domain.ErrSessionClosed after Close.
	Send(frame []byte) error
	// Close sends a close frame with the given code after flushing frames
	// already queued. Repeated calls are ignored.
	Close(code int, reason string)
	RemoteAddr() string
}

// RelayMetrics receives relay events. Every method must be cheap and non-blocking.
type RelayMetrics interface {
	RoomOpened()
	RoomClosed()
	SessionJoined()
	SessionLeft()
	MessageRelayed(t domain.MessageType)
	MessageDropped(reason string)
	PolicyRejected(reason string)
	SessionEvicted()
	BroadcastFanout(recipients int)
	UpgradeRejected(reason string)
	EventProcessed(d time.Duration)
}
