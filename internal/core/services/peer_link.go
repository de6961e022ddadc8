package services

import (
	"fmt"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"
)

var peerTransitions = map[domain.PeerState][]domain.PeerState{
	domain.PeerIdle:          {domain.PeerOffering, domain.PeerAnswerSent, domain.PeerClosed},
	domain.PeerOffering:      {domain.PeerAnswerPending, domain.PeerClosed},
	domain.PeerAnswerPending: {domain.PeerConnected, domain.PeerClosed},
	domain.PeerAnswerSent:    {domain.PeerAnswerSent, domain.PeerConnected, domain.PeerClosed},
	domain.PeerConnected:     {domain.PeerAnswerSent, domain.PeerClosed},
	domain.PeerClosed:        {},
}

// peerLink is the orchestrator's state for one remote participant. It is
// only touched from the orchestrator loop.
type peerLink struct {
	remote     domain.ParticipantID
	generation string
	role       domain.PeerRole
	state      domain.PeerState
	pc         ports.PeerConnection
	sender     ports.TrackSender

	remoteToken   string
	remoteDescSet bool
	pending       []domain.CandidatePayload

	lastStats domain.LinkStats
	health    domain.LinkHealth
	speaking  bool
	createdAt time.Time
}

func (l *peerLink) transition(to domain.PeerState) error {
	for _, allowed := range peerTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid peer transition %s -> %s", l.state, to)
}

// negotiating reports whether this side has an offer outstanding.
func (l *peerLink) negotiating() bool {
	return l.state == domain.PeerOffering || l.state == domain.PeerAnswerPending
}

// superseded reports whether a remote token belongs to an older remote link.
func (l *peerLink) superseded(token string) bool {
	return token != "" && l.remoteToken != "" && token != l.remoteToken
}

// queue buffers a candidate until the remote description is applied. The
// oldest candidate is dropped when the buffer is full.
func (l *peerLink) queue(c domain.CandidatePayload, max int) {
	if len(l.pending) >= max {
		l.pending = l.pending[1:]
	}
	l.pending = append(l.pending, c)
}

func (l *peerLink) view(remoteMuted bool) domain.PeerView {
	return domain.PeerView{
		ID:          l.remote,
		State:       l.state,
		Role:        l.role,
		RemoteMuted: remoteMuted,
		Speaking:    l.speaking,
		Health:      l.health,
		CreatedAt:   l.createdAt,
	}
}
