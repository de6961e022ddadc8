package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"go.uber.org/zap"
)

type RelayConfig struct {
	RateLimitMessages int
	RateLimitWindow   time.Duration
	InboxSize         int
	PruneInterval     time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		RateLimitMessages: DefaultRateLimitMessages,
		RateLimitWindow:   DefaultRateLimitWindow,
		InboxSize:         256,
		PruneInterval:     time.Minute,
	}
}

type relayEventKind int

const (
	eventMessage relayEventKind = iota
	eventClosed
	eventSnapshot
	eventStop
)

type relayEvent struct {
	kind  relayEventKind
	conn  ports.SessionConn
	data  []byte
	reply chan domain.RoomSnapshot
}

// PublishResult reports the outcome of one fan-out.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ParticipantID
}

// Relay owns the session registry, rate limiter and mute cache of one room.
// All state is touched only by the run goroutine; callers talk to it through
// the inbox, which keeps per-room processing serialized.
type Relay struct {
	room    domain.RoomName
	cfg     RelayConfig
	limiter *RateLimiter
	metrics ports.RelayMetrics
	logger  *zap.SugaredLogger

	sessions     map[domain.ParticipantID]ports.SessionConn
	byGeneration map[domain.Generation]domain.ParticipantID
	muted        map[domain.ParticipantID]bool

	inbox    chan relayEvent
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewRelay(room domain.RoomName, cfg RelayConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *Relay {
	defaults := DefaultRelayConfig()
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaults.InboxSize
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaults.PruneInterval
	}
	if metrics == nil {
		metrics = NopRelayMetrics{}
	}
	r := &Relay{
		room:         room,
		cfg:          cfg,
		limiter:      NewRateLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow),
		metrics:      metrics,
		logger:       logger.With("component", "relay", "room", room),
		sessions:     make(map[domain.ParticipantID]ports.SessionConn),
		byGeneration: make(map[domain.Generation]domain.ParticipantID),
		muted:        make(map[domain.ParticipantID]bool),
		inbox:        make(chan relayEvent, cfg.InboxSize),
		stopped:      make(chan struct{}),
	}
	return r
}

// Start launches the room goroutine.
func (r *Relay) Start() *Relay {
	go r.run()
	return r
}

func (r *Relay) Room() domain.RoomName { return r.room }

// Deliver queues one inbound frame from conn.
func (r *Relay) Deliver(conn ports.SessionConn, data []byte) error {
	return r.enqueue(relayEvent{kind: eventMessage, conn: conn, data: data})
}

// Disconnect reports that conn has closed or failed.
func (r *Relay) Disconnect(conn ports.SessionConn) error {
	return r.enqueue(relayEvent{kind: eventClosed, conn: conn})
}

// Snapshot returns the registry state after every previously queued event.
func (r *Relay) Snapshot(ctx context.Context) (domain.RoomSnapshot, error) {
	reply := make(chan domain.RoomSnapshot, 1)
	if err := r.enqueue(relayEvent{kind: eventSnapshot, reply: reply}); err != nil {
		return domain.RoomSnapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-r.stopped:
		return domain.RoomSnapshot{}, domain.ErrRelayStopped
	case <-ctx.Done():
		return domain.RoomSnapshot{}, ctx.Err()
	}
}

// Stop drains events queued so far and stops the room goroutine.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		select {
		case r.inbox <- relayEvent{kind: eventStop}:
		case <-r.stopped:
		}
	})
	<-r.stopped
}

func (r *Relay) enqueue(ev relayEvent) error {
	select {
	case <-r.stopped:
		return domain.ErrRelayStopped
	default:
	}
	select {
	case r.inbox <- ev:
		return nil
	case <-r.stopped:
		return domain.ErrRelayStopped
	}
}

func (r *Relay) run() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.inbox:
			if ev.kind == eventStop {
				r.logger.Debugw("Relay stopped", "sessions", len(r.sessions))
				return
			}
			start := time.Now()
			r.handle(ev)
			r.metrics.EventProcessed(time.Since(start))
		case <-ticker.C:
			if n := r.limiter.Prune(); n > 0 {
				r.logger.Debugw("Pruned rate limit windows", "count", n)
			}
		}
	}
}

func (r *Relay) handle(ev relayEvent) {
	switch ev.kind {
	case eventMessage:
		r.handleMessage(ev.conn, ev.data)
	case eventClosed:
		r.handleClosed(ev.conn)
	case eventSnapshot:
		ev.reply <- r.snapshot()
	}
}

func (r *Relay) handleMessage(conn ports.SessionConn, data []byte) {
	msg, err := domain.DecodeMessage(data)
	if err != nil {
		r.drop(conn, "invalid", err)
		return
	}
	if !msg.Type.ClientOriginated() {
		r.drop(conn, "server-only", fmt.Errorf("clients may not send %s", msg.Type))
		return
	}

	switch msg.Type {
	case domain.MessageJoin:
		r.handleJoin(conn, msg)
	case domain.MessageMuteState:
		r.handleMuteState(conn, msg, data)
	default:
		r.handleRelayed(conn, msg, data)
	}
}

func (r *Relay) handleJoin(conn ports.SessionConn, msg *domain.Message) {
	id := msg.ParticipantID

	if current, ok := r.byGeneration[conn.Generation()]; ok {
		r.drop(conn, "already-joined", fmt.Errorf("channel already joined as %s", current))
		return
	}

	if _, taken := r.sessions[id]; taken {
		r.logger.Warnw("Join rejected, identity in use",
			"participant_id", id,
			"generation", conn.Generation(),
			"remote_addr", conn.RemoteAddr())
		if frame := r.encode(domain.NewErrorMessage(domain.ReasonIdentityInUse)); frame != nil {
			_ = conn.Send(frame)
		}
		conn.Close(domain.CloseIdentityInUse, "identity in use")
		r.metrics.PolicyRejected(domain.ReasonIdentityInUse)
		return
	}

	r.sessions[id] = conn
	r.byGeneration[conn.Generation()] = id
	r.metrics.SessionJoined()
	r.logger.Infow("Participant joined",
		"participant_id", id,
		"generation", conn.Generation(),
		"participants", len(r.sessions))

	if frame := r.encode(domain.NewUserJoinedMessage(id)); frame != nil {
		r.broadcast(id, frame)
	}

	// The newcomer may have been evicted by a failure during the broadcast.
	if _, ok := r.sessions[id]; !ok {
		return
	}
	for other, muted := range r.muted {
		if other == id {
			continue
		}
		frame := r.encode(domain.NewMuteStateMessage(other, muted))
		if frame == nil {
			continue
		}
		if err := conn.Send(frame); err != nil {
			r.logger.Warnw("Mute state replay failed", "participant_id", id, "error", err)
			r.evict([]domain.ParticipantID{id})
			return
		}
	}
}

func (r *Relay) handleMuteState(conn ports.SessionConn, msg *domain.Message, data []byte) {
	sender, ok := r.authorize(conn, msg)
	if !ok {
		return
	}
	r.muted[sender] = *msg.Muted
	r.metrics.MessageRelayed(msg.Type)
	r.broadcast(sender, data)
}

func (r *Relay) handleRelayed(conn ports.SessionConn, msg *domain.Message, data []byte) {
	if _, ok := r.authorize(conn, msg); !ok {
		return
	}

	target, ok := r.sessions[msg.TargetClientID]
	if !ok {
		r.metrics.MessageDropped("unknown-target")
		r.logger.Debugw("Dropping message for unknown target",
			"type", msg.Type,
			"sender", msg.SenderClientID,
			"target", msg.TargetClientID)
		return
	}
	if err := target.Send(data); err != nil {
		r.logger.Warnw("Relay to target failed", "target", msg.TargetClientID, "type", msg.Type, "error", err)
		r.evict([]domain.ParticipantID{msg.TargetClientID})
		return
	}
	r.metrics.MessageRelayed(msg.Type)
}

// authorize checks that conn holds a registered session matching the claimed
// sender and that the sender is within its rate limit.
func (r *Relay) authorize(conn ports.SessionConn, msg *domain.Message) (domain.ParticipantID, bool) {
	sender, ok := r.byGeneration[conn.Generation()]
	if !ok {
		r.drop(conn, "not-joined", fmt.Errorf("%s before join", msg.Type))
		return "", false
	}
	if msg.SenderClientID != sender {
		r.drop(conn, "sender-mismatch", fmt.Errorf("senderClientId %q does not match session %q", msg.SenderClientID, sender))
		return "", false
	}
	if !r.limiter.Admit(sender) {
		r.logger.Warnw("Rate limit exceeded, closing session", "participant_id", sender)
		if frame := r.encode(domain.NewErrorMessage(domain.ReasonRateLimited)); frame != nil {
			_ = conn.Send(frame)
		}
		r.metrics.PolicyRejected(domain.ReasonRateLimited)
		r.teardown(sender, domain.CloseRateLimited, "rate limited")
		return "", false
	}
	return sender, true
}

func (r *Relay) handleClosed(conn ports.SessionConn) {
	id, ok := r.byGeneration[conn.Generation()]
	if !ok {
		// Either never joined or already superseded/evicted.
		r.logger.Debugw("Ignoring close for unregistered channel", "generation", conn.Generation())
		return
	}
	r.remove(id)
	r.logger.Infow("Participant left", "participant_id", id, "participants", len(r.sessions))
	if frame := r.encode(domain.NewUserLeftMessage(id)); frame != nil {
		r.broadcast(id, frame)
	}
}

// teardown removes id, closes its channel with code and announces the departure.
func (r *Relay) teardown(id domain.ParticipantID, code int, reason string) {
	conn, ok := r.sessions[id]
	if !ok {
		return
	}
	r.remove(id)
	conn.Close(code, reason)
	if frame := r.encode(domain.NewUserLeftMessage(id)); frame != nil {
		r.broadcast(id, frame)
	}
}

func (r *Relay) remove(id domain.ParticipantID) {
	conn, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.byGeneration, conn.Generation())
	delete(r.sessions, id)
	delete(r.muted, id)
	r.metrics.SessionLeft()
}

// broadcast sends frame to every session except the sender and evicts
// recipients whose delivery failed.
func (r *Relay) broadcast(except domain.ParticipantID, frame []byte) {
	res := r.fanOut(except, frame)
	r.evict(res.Dropped)
}

func (r *Relay) fanOut(except domain.ParticipantID, frame []byte) PublishResult {
	res := PublishResult{}
	for id, conn := range r.sessions {
		if id == except {
			continue
		}
		if err := conn.Send(frame); err != nil {
			r.logger.Debugw("Broadcast delivery failed", "participant_id", id, "error", err)
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	r.metrics.BroadcastFanout(res.SendTo)
	return res
}

// evict works through failed recipients one at a time. Each eviction's
// user-left broadcast can add further failures to the worklist.
func (r *Relay) evict(pending []domain.ParticipantID) {
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		conn, ok := r.sessions[id]
		if !ok {
			continue
		}
		r.remove(id)
		conn.Close(domain.CloseEvicted, "delivery failed")
		r.metrics.SessionEvicted()
		r.logger.Warnw("Evicted unreachable participant", "participant_id", id)

		if frame := r.encode(domain.NewUserLeftMessage(id)); frame != nil {
			pending = append(pending, r.fanOut(id, frame).Dropped...)
		}
	}
}

func (r *Relay) drop(conn ports.SessionConn, reason string, err error) {
	r.metrics.MessageDropped(reason)
	r.logger.Warnw("Dropping control message",
		"reason", reason,
		"generation", conn.Generation(),
		"remote_addr", conn.RemoteAddr(),
		"error", err)
}

func (r *Relay) encode(msg *domain.Message) []byte {
	frame, err := msg.Encode()
	if err != nil {
		r.logger.Errorw("Failed to encode message", "type", msg.Type, "error", err)
		return nil
	}
	return frame
}

func (r *Relay) snapshot() domain.RoomSnapshot {
	snap := domain.RoomSnapshot{
		Room:         r.room,
		Participants: make([]domain.ParticipantID, 0, len(r.sessions)),
		Muted:        make(map[domain.ParticipantID]bool, len(r.muted)),
	}
	for id := range r.sessions {
		snap.Participants = append(snap.Participants, id)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i] < snap.Participants[j]
	})
	for id, muted := range r.muted {
		snap.Muted[id] = muted
	}
	return snap
}

// NopRelayMetrics discards every event.
type NopRelayMetrics struct{}

func (NopRelayMetrics) RoomOpened() {}
func (NopRelayMetrics) RoomClosed() {}
func (NopRelayMetrics) SessionJoined() {}
func (NopRelayMetrics) SessionLeft() {}
func (NopRelayMetrics) MessageRelayed(domain.MessageType) {}
func (NopRelayMetrics) MessageDropped(string) {}
func (NopRelayMetrics) PolicyRejected(string) {}
func (NopRelayMetrics) SessionEvicted() {}
func (NopRelayMetrics) BroadcastFanout(int) {}
func (NopRelayMetrics) UpgradeRejected(string) {}
func (NopRelayMetrics) EventProcessed(time.Duration) {}
