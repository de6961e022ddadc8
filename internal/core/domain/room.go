package domain

import (
	"fmt"
	"regexp"
	"unicode"
)

type (
	RoomName      string
	ParticipantID string
	// Generation identifies one accepted control channel. A new channel for the
	// same identity always gets a new generation.
	Generation string
)

const (
	MaxRoomNameLength      = 64
	MaxParticipantIDLength = 128
)

// Close codes sent on the control channel for policy decisions.
const (
	CloseIdentityInUse = 4409
	CloseEvicted       = 4410
	CloseRateLimited   = 4429
)

// Reasons carried by error messages.
const (
	ReasonIdentityInUse = "identity-in-use"
	ReasonRateLimited   = "rate-limited"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateRoomName checks the room name used in the upgrade path.
func ValidateRoomName(name string) error {
	if name == "" {
		return fmt.Errorf("room name is required")
	}
	if len(name) > MaxRoomNameLength {
		return fmt.Errorf("room name must be at most %d characters", MaxRoomNameLength)
	}
	if !roomNamePattern.MatchString(name) {
		return fmt.Errorf("room name contains invalid characters")
	}
	return nil
}

// ValidateParticipantID checks an opaque participant identity.
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant id is required")
	}
	if len(id) > MaxParticipantIDLength {
		return fmt.Errorf("participant id must be at most %d bytes", MaxParticipantIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("participant id contains whitespace or control characters")
		}
	}
	return nil
}

// RoomSnapshot is a point-in-time view of a room's registry.
type RoomSnapshot struct {
	Room         RoomName               `json:"room"`
	Participants []ParticipantID        `json:"participants"`
	Muted        map[ParticipantID]bool `json:"muted"`
}
