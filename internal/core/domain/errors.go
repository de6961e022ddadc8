package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrIdentityInUse       = errors.New("identity in use")
	ErrRateLimited         = errors.New("rate limited")
	ErrSessionClosed       = errors.New("session closed")
	ErrBackpressure        = errors.New("send queue full")
	ErrRelayStopped        = errors.New("relay stopped")
	ErrNoLocalMedia        = errors.New("no local media")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrOrchestratorClosed  = errors.New("orchestrator closed")
	ErrNotJoined           = errors.New("not joined")
)

// ProtocolError reports a structurally invalid or out-of-order control message.
// Receivers drop the message and keep the channel open.
type ProtocolError struct {
	Type   MessageType
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Type, e.Reason)
}

func protocolError(t MessageType, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// OwnershipError is returned when a room is served by another relay instance.
type OwnershipError struct {
	Room  RoomName
	Owner string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("room %s is owned by %s", e.Room, e.Owner)
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
