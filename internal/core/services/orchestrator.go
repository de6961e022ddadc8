package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// A remote level at or above this many -dBov counts as silence.
const speakingLevel = 50

type OrchestratorConfig struct {
	Self                 domain.ParticipantID
	DeviceID             string
	Enhancements         domain.AudioEnhancements
	StartMuted           bool
	Quality              QualityThresholds
	SampleInterval       time.Duration
	MaxPendingCandidates int
	EventBuffer          int
}

func DefaultOrchestratorConfig(self domain.ParticipantID) OrchestratorConfig {
	return OrchestratorConfig{
		Self:     self,
		DeviceID: "default",
		Enhancements: domain.AudioEnhancements{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Quality:              DefaultQualityThresholds(),
		SampleInterval:       2 * time.Second,
		MaxPendingCandidates: 64,
		EventBuffer:          64,
	}
}

// Orchestrator drives one PeerLink per remote participant and owns the local
// capture. Every piece of state below the loop marker is touched only by the
// loop goroutine.
type Orchestrator struct {
	cfg      OrchestratorConfig
	signal   ports.SignalChannel
	factory  ports.PeerConnectionFactory
	capturer ports.MediaCapturer
	quality  *QualityService
	logger   *zap.SugaredLogger

	inbox  chan func()
	events chan domain.PeerEvent
	quit   chan struct{}
	done   chan struct{}

	leaveOnce sync.Once

	// loop-owned
	links       map[domain.ParticipantID]*peerLink
	early       map[domain.ParticipantID][]domain.CandidatePayload
	remoteMuted map[domain.ParticipantID]bool
	capture     ports.Capture
	media       domain.LocalMediaView
	joined      bool
	left        bool
}

func NewOrchestrator(cfg OrchestratorConfig, signal ports.SignalChannel, factory ports.PeerConnectionFactory, capturer ports.MediaCapturer, logger *zap.SugaredLogger) *Orchestrator {
	defaults := DefaultOrchestratorConfig(cfg.Self)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaults.SampleInterval
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = defaults.MaxPendingCandidates
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = defaults.DeviceID
	}
	if cfg.Quality == (QualityThresholds{}) {
		cfg.Quality = defaults.Quality
	}

	o := &Orchestrator{
		cfg:         cfg,
		signal:      signal,
		factory:     factory,
		capturer:    capturer,
		quality:     NewQualityService(cfg.Quality),
		logger:      logger.With("component", "orchestrator", "self", cfg.Self),
		inbox:       make(chan func(), 256),
		events:      make(chan domain.PeerEvent, cfg.EventBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		links:       make(map[domain.ParticipantID]*peerLink),
		early:       make(map[domain.ParticipantID][]domain.CandidatePayload),
		remoteMuted: make(map[domain.ParticipantID]bool),
		media: domain.LocalMediaView{
			Status:       domain.MediaPending,
			DeviceID:     cfg.DeviceID,
			Muted:        cfg.StartMuted,
			Enhancements: cfg.Enhancements,
		},
	}
	go o.run()
	return o
}

func (o *Orchestrator) Self() domain.ParticipantID { return o.cfg.Self }

// Events delivers peer and media notifications. Events are dropped when the
// consumer falls behind.
func (o *Orchestrator) Events() <-chan domain.PeerEvent { return o.events }

func (o *Orchestrator) run() {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-ticker.C:
			o.sampleQuality()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case o.inbox <- func() { result <- fn() }:
	case <-o.done:
		return domain.ErrOrchestratorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-o.done:
		select {
		case err := <-result:
			return err
		default:
			return domain.ErrOrchestratorClosed
		}
	}
}

// post queues fn without waiting. Used by media engine callbacks.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.inbox <- fn:
	case <-o.done:
	}
}

// Join acquires local media if needed, then announces this participant and
// its mute state. It is safe to call again after the control channel reconnects.
func (o *Orchestrator) Join(ctx context.Context) error {
	var needMedia bool
	var device string
	var enh domain.AudioEnhancements
	err := o.do(ctx, func() error {
		if o.left {
			return domain.ErrOrchestratorClosed
		}
		needMedia = o.capture == nil
		device = o.media.DeviceID
		enh = o.media.Enhancements
		return nil
	})
	if err != nil {
		return err
	}

	var capture ports.Capture
	var mediaErr error
	if needMedia {
		capture, mediaErr = o.capturer.Open(ctx, device, enh)
	}

	return o.do(ctx, func() error {
		if o.left {
			if capture != nil {
				_ = capture.Stop()
			}
			return domain.ErrOrchestratorClosed
		}
		if needMedia {
			if mediaErr != nil {
				o.markNoMedia(mediaErr)
			} else {
				o.installCapture(capture)
			}
		}
		if o.joined {
			// Every remote sees us as a rejoin and rebuilds from scratch.
			o.logger.Infow("Rejoining room, dropping previous links", "links", len(o.links))
			for _, link := range o.sortedLinks() {
				o.closeLink(link)
			}
			o.early = make(map[domain.ParticipantID][]domain.CandidatePayload)
		}
		if err := o.signal.Send(domain.NewJoinMessage(o.cfg.Self)); err != nil {
			return fmt.Errorf("failed to send join: %w", err)
		}
		o.joined = true
		o.logger.Infow("Joined room", "media", o.media.Status, "muted", o.media.Muted)
		return o.broadcastMute()
	})
}

// Dispatch processes one inbound control message. It returns after the
// message has been fully applied, so per-channel order is preserved.
func (o *Orchestrator) Dispatch(ctx context.Context, msg *domain.Message) error {
	return o.do(ctx, func() error {
		if o.left {
			return nil
		}
		return o.handle(msg)
	})
}

func (o *Orchestrator) handle(msg *domain.Message) error {
	if msg.Type.Relayed() && msg.TargetClientID != o.cfg.Self {
		return &domain.ProtocolError{Type: msg.Type, Reason: "addressed to " + string(msg.TargetClientID)}
	}

	switch msg.Type {
	case domain.MessageUserJoined:
		o.onUserJoined(msg.ClientID)
	case domain.MessageUserLeft:
		o.onUserLeft(msg.ClientID)
	case domain.MessageOffer:
		return o.onOffer(msg)
	case domain.MessageAnswer:
		return o.onAnswer(msg)
	case domain.MessageICECandidate:
		return o.onCandidate(msg)
	case domain.MessageMuteState:
		o.onRemoteMute(msg.SenderClientID, *msg.Muted)
	case domain.MessageError:
		o.logger.Warnw("Relay reported error", "reason", msg.Reason)
	default:
		return &domain.ProtocolError{Type: msg.Type, Reason: "unexpected message from relay"}
	}
	return nil
}

func (o *Orchestrator) onUserJoined(id domain.ParticipantID) {
	if id == o.cfg.Self {
		return
	}
	if existing, ok := o.links[id]; ok {
		// The participant rejoined without us seeing it leave.
		o.logger.Infow("Purging ghost link", "peer", id, "state", existing.state)
		o.closeLink(existing)
	}

	link, err := o.newLink(id, domain.RoleOfferer)
	if err != nil {
		o.logger.Warnw("Failed to create peer link", "peer", id, "error", err)
		return
	}
	o.sendOffer(link)
}

func (o *Orchestrator) onUserLeft(id domain.ParticipantID) {
	if link, ok := o.links[id]; ok {
		o.closeLink(link)
	}
	delete(o.early, id)
	delete(o.remoteMuted, id)
}

func (o *Orchestrator) onOffer(msg *domain.Message) error {
	p, err := msg.DescriptionPayload()
	if err != nil {
		return err
	}
	from := msg.SenderClientID

	link := o.links[from]
	if link != nil {
		switch {
		case link.negotiating():
			if o.cfg.Self > from {
				o.logger.Debugw("Ignoring glare offer, remote will answer ours", "peer", from)
				return nil
			}
			o.logger.Debugw("Yielding to remote offer", "peer", from)
			o.closeLink(link)
			link = nil
		case p.LinkID != "" && p.LinkID == link.remoteToken:
			// Renegotiation on the same remote link.
		default:
			o.logger.Infow("Rebuilding link for new remote offer", "peer", from, "state", link.state)
			o.closeLink(link)
			link = nil
		}
	}

	if link == nil {
		link, err = o.newLink(from, domain.RoleAnswerer)
		if err != nil {
			o.logger.Warnw("Failed to create peer link", "peer", from, "error", err)
			return nil
		}
	}
	link.remoteToken = p.LinkID

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		o.failLink(link, "set remote offer", err)
		return nil
	}
	link.remoteDescSet = true
	o.flushCandidates(link)

	answer, err := link.pc.CreateAnswer()
	if err != nil {
		o.failLink(link, "create answer", err)
		return nil
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		o.failLink(link, "set local answer", err)
		return nil
	}

	reply, err := domain.NewRelayedMessage(domain.MessageAnswer, from, o.cfg.Self, domain.DescriptionPayload{
		Type:    answer.Type.String(),
		SDP:     answer.SDP,
		LinkID:  link.generation,
		ReplyTo: p.LinkID,
	})
	if err == nil {
		err = o.signal.Send(reply)
	}
	if err != nil {
		o.failLink(link, "send answer", err)
		return nil
	}
	if err := link.transition(domain.PeerAnswerSent); err != nil {
		o.logger.Warnw("Unexpected state after answer", "peer", from, "error", err)
	}
	o.emitPeer(domain.PeerUpdated, link)
	return nil
}

func (o *Orchestrator) onAnswer(msg *domain.Message) error {
	p, err := msg.DescriptionPayload()
	if err != nil {
		return err
	}
	from := msg.SenderClientID

	link, ok := o.links[from]
	if !ok {
		o.logger.Debugw("Ignoring answer for unknown peer", "peer", from)
		return nil
	}
	if link.state != domain.PeerAnswerPending {
		o.logger.Debugw("Ignoring answer in unexpected state", "peer", from, "state", link.state)
		return nil
	}
	if p.ReplyTo != "" && p.ReplyTo != link.generation {
		o.logger.Debugw("Ignoring answer for superseded link", "peer", from)
		return nil
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		o.failLink(link, "set remote answer", err)
		return nil
	}
	link.remoteToken = p.LinkID
	link.remoteDescSet = true
	o.flushCandidates(link)
	_ = link.transition(domain.PeerConnected)
	o.logger.Infow("Peer connected", "peer", from, "role", link.role)
	o.emitPeer(domain.PeerUpdated, link)
	return nil
}

func (o *Orchestrator) onCandidate(msg *domain.Message) error {
	p, err := msg.CandidatePayload()
	if err != nil {
		return err
	}
	from := msg.SenderClientID

	link, ok := o.links[from]
	if !ok {
		buf := o.early[from]
		if len(buf) >= o.cfg.MaxPendingCandidates {
			buf = buf[1:]
		}
		o.early[from] = append(buf, *p)
		return nil
	}
	if link.superseded(p.LinkID) {
		o.logger.Debugw("Dropping candidate for superseded link", "peer", from)
		return nil
	}
	if !link.remoteDescSet {
		link.queue(*p, o.cfg.MaxPendingCandidates)
		return nil
	}
	o.applyCandidate(link, *p)
	return nil
}

func (o *Orchestrator) flushCandidates(link *peerLink) {
	pending := link.pending
	link.pending = nil
	for _, c := range pending {
		if link.superseded(c.LinkID) {
			continue
		}
		o.applyCandidate(link, c)
	}
}

func (o *Orchestrator) applyCandidate(link *peerLink, c domain.CandidatePayload) {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := link.pc.AddICECandidate(init); err != nil {
		o.logger.Debugw("Failed to add remote candidate", "peer", link.remote, "error", err)
	}
}

func (o *Orchestrator) onRemoteMute(id domain.ParticipantID, muted bool) {
	o.remoteMuted[id] = muted
	if link, ok := o.links[id]; ok {
		o.emitPeer(domain.PeerUpdated, link)
	}
}

func (o *Orchestrator) newLink(remote domain.ParticipantID, role domain.PeerRole) (*peerLink, error) {
	pc, err := o.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	var track webrtc.TrackLocal
	if o.capture != nil {
		track = o.capture.Track()
	}
	sender, err := pc.AddAudioSender(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add audio sender: %w", err)
	}

	link := &peerLink{
		remote:     remote,
		generation: uuid.NewString(),
		role:       role,
		state:      domain.PeerIdle,
		pc:         pc,
		sender:     sender,
		health:     domain.LinkHealth{Tier: domain.QualityUnknown},
		createdAt:  time.Now(),
	}
	gen := link.generation

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.post(func() { o.onLocalCandidate(remote, gen, c) })
	})
	pc.OnConnectionStateChange(func(s domain.ConnectionState) {
		o.post(func() { o.onConnectionState(remote, gen, s) })
	})
	pc.OnRemoteAudioLevel(func(level domain.AudioLevel) {
		o.post(func() { o.onRemoteLevel(remote, gen, level) })
	})

	if early, ok := o.early[remote]; ok {
		link.pending = early
		delete(o.early, remote)
	}

	o.links[remote] = link
	o.logger.Debugw("Peer link created", "peer", remote, "role", role, "generation", gen)
	o.emitPeer(domain.PeerAdded, link)
	return link, nil
}

// current returns the link only if gen is still its generation.
func (o *Orchestrator) current(remote domain.ParticipantID, gen string) (*peerLink, bool) {
	link, ok := o.links[remote]
	if !ok || link.generation != gen {
		return nil, false
	}
	return link, true
}

func (o *Orchestrator) sendOffer(link *peerLink) {
	if err := link.transition(domain.PeerOffering); err != nil {
		o.logger.Warnw("Cannot offer", "peer", link.remote, "error", err)
		return
	}
	offer, err := link.pc.CreateOffer()
	if err != nil {
		o.failLink(link, "create offer", err)
		return
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		o.failLink(link, "set local offer", err)
		return
	}
	msg, err := domain.NewRelayedMessage(domain.MessageOffer, link.remote, o.cfg.Self, domain.DescriptionPayload{
		Type:   offer.Type.String(),
		SDP:    offer.SDP,
		LinkID: link.generation,
	})
	if err == nil {
		err = o.signal.Send(msg)
	}
	if err != nil {
		o.failLink(link, "send offer", err)
		return
	}
	_ = link.transition(domain.PeerAnswerPending)
	o.emitPeer(domain.PeerUpdated, link)
}

func (o *Orchestrator) onLocalCandidate(remote domain.ParticipantID, gen string, c webrtc.ICECandidateInit) {
	if o.left {
		return
	}
	if _, ok := o.current(remote, gen); !ok {
		return
	}
	msg, err := domain.NewRelayedMessage(domain.MessageICECandidate, remote, o.cfg.Self, domain.CandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
		LinkID:           gen,
	})
	if err == nil {
		err = o.signal.Send(msg)
	}
	if err != nil {
		o.logger.Debugw("Failed to send local candidate", "peer", remote, "error", err)
	}
}

func (o *Orchestrator) onConnectionState(remote domain.ParticipantID, gen string, state domain.ConnectionState) {
	link, ok := o.current(remote, gen)
	if !ok {
		return
	}
	o.logger.Debugw("Connection state changed", "peer", remote, "state", state)

	switch state {
	case domain.ConnectionConnected:
		if link.state == domain.PeerAnswerSent {
			_ = link.transition(domain.PeerConnected)
			o.logger.Infow("Peer connected", "peer", remote, "role", link.role)
			o.emitPeer(domain.PeerUpdated, link)
		}
	case domain.ConnectionFailed, domain.ConnectionClosed:
		o.logger.Infow("Peer link lost", "peer", remote, "state", state)
		o.closeLink(link)
	}
}

func (o *Orchestrator) onRemoteLevel(remote domain.ParticipantID, gen string, level domain.AudioLevel) {
	link, ok := o.current(remote, gen)
	if !ok {
		return
	}
	speaking := level.Voice || level.Level < speakingLevel
	if speaking != link.speaking {
		link.speaking = speaking
		o.emitPeer(domain.PeerUpdated, link)
	}
}

func (o *Orchestrator) failLink(link *peerLink, step string, err error) {
	o.logger.Warnw("Negotiation failed", "peer", link.remote, "step", step, "error", err)
	o.closeLink(link)
}

func (o *Orchestrator) closeLink(link *peerLink) {
	if link.state == domain.PeerClosed {
		return
	}
	_ = link.transition(domain.PeerClosed)
	if err := link.pc.Close(); err != nil {
		o.logger.Debugw("Error closing peer connection", "peer", link.remote, "error", err)
	}
	if o.links[link.remote] == link {
		delete(o.links, link.remote)
	}
	o.emitPeer(domain.PeerRemoved, link)
}

func (o *Orchestrator) sampleQuality() {
	for _, link := range o.links {
		if link.state != domain.PeerConnected {
			continue
		}
		stats, err := link.pc.Stats()
		if err != nil {
			o.logger.Debugw("Failed to read link stats", "peer", link.remote, "error", err)
			continue
		}
		health := o.quality.Assess(link.lastStats, stats)
		link.lastStats = stats
		changed := health.Tier != link.health.Tier
		link.health = health
		if changed {
			o.logger.Infow("Link quality changed",
				"peer", link.remote,
				"tier", health.Tier,
				"rtt_ms", health.RoundTripTime.Milliseconds(),
				"loss_percent", health.LossPercent)
			o.emitPeer(domain.PeerUpdated, link)
		}
	}
}

// SampleQuality runs one sampling pass immediately.
func (o *Orchestrator) SampleQuality(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.sampleQuality()
		return nil
	})
}

// SetMuted flips the capture's enabled flag and broadcasts the new state. The
// capture itself keeps running.
func (o *Orchestrator) SetMuted(ctx context.Context, muted bool) error {
	return o.do(ctx, func() error {
		o.applyMute(muted)
		return o.broadcastMute()
	})
}

// ToggleMute inverts the mute flag and returns the new value.
func (o *Orchestrator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := o.do(ctx, func() error {
		muted = !o.media.Muted
		o.applyMute(muted)
		return o.broadcastMute()
	})
	return muted, err
}

func (o *Orchestrator) applyMute(muted bool) {
	o.media.Muted = muted
	if o.capture != nil {
		o.capture.SetEnabled(!muted)
	}
	o.emitMedia()
}

func (o *Orchestrator) broadcastMute() error {
	if !o.joined || o.left {
		return nil
	}
	if err := o.signal.Send(domain.NewMuteStateMessage(o.cfg.Self, o.media.Muted)); err != nil {
		return fmt.Errorf("failed to send mute state: %w", err)
	}
	return nil
}

// SwitchDevice opens deviceID and moves every link onto it without
// renegotiating. On failure the current capture stays in place.
func (o *Orchestrator) SwitchDevice(ctx context.Context, deviceID string) error {
	var enh domain.AudioEnhancements
	if err := o.do(ctx, func() error {
		if o.left {
			return domain.ErrOrchestratorClosed
		}
		enh = o.media.Enhancements
		return nil
	}); err != nil {
		return err
	}
	return o.acquire(ctx, deviceID, enh)
}

// SetEnhancements re-opens the current device with new processing settings.
func (o *Orchestrator) SetEnhancements(ctx context.Context, enh domain.AudioEnhancements) error {
	var device string
	if err := o.do(ctx, func() error {
		if o.left {
			return domain.ErrOrchestratorClosed
		}
		device = o.media.DeviceID
		return nil
	}); err != nil {
		return err
	}
	return o.acquire(ctx, device, enh)
}

// RetryMedia re-runs acquisition on the current device, typically after a
// no-media failure.
func (o *Orchestrator) RetryMedia(ctx context.Context) error {
	var device string
	var enh domain.AudioEnhancements
	if err := o.do(ctx, func() error {
		if o.left {
			return domain.ErrOrchestratorClosed
		}
		device = o.media.DeviceID
		enh = o.media.Enhancements
		return nil
	}); err != nil {
		return err
	}
	return o.acquire(ctx, device, enh)
}

func (o *Orchestrator) acquire(ctx context.Context, deviceID string, enh domain.AudioEnhancements) error {
	capture, err := o.capturer.Open(ctx, deviceID, enh)
	if err != nil {
		_ = o.do(ctx, func() error {
			if o.capture == nil {
				o.markNoMedia(err)
			} else {
				o.media.LastError = err.Error()
				o.emitMedia()
			}
			return nil
		})
		return fmt.Errorf("failed to open device %s: %w", deviceID, err)
	}

	return o.do(ctx, func() error {
		if o.left {
			_ = capture.Stop()
			return domain.ErrOrchestratorClosed
		}
		o.installCapture(capture)
		return o.broadcastMute()
	})
}

// installCapture replaces the outgoing track on every link, then stops the
// previous capture.
func (o *Orchestrator) installCapture(capture ports.Capture) {
	capture.SetEnabled(!o.media.Muted)
	previous := o.capture
	o.capture = capture

	for _, link := range o.links {
		if link.sender == nil {
			continue
		}
		if err := link.sender.ReplaceTrack(capture.Track()); err != nil {
			o.logger.Warnw("Failed to replace outgoing track", "peer", link.remote, "error", err)
		}
	}

	if previous != nil {
		if err := previous.Stop(); err != nil {
			o.logger.Debugw("Error stopping previous capture", "device", previous.DeviceID(), "error", err)
		}
	}

	o.media.Status = domain.MediaLive
	o.media.DeviceID = capture.DeviceID()
	o.media.Enhancements = capture.Enhancements()
	o.media.LastError = ""
	o.logger.Infow("Local capture active", "device", capture.DeviceID(), "links", len(o.links))
	o.emitMedia()
}

func (o *Orchestrator) markNoMedia(err error) {
	o.media.Status = domain.MediaNone
	o.media.LastError = err.Error()
	o.logger.Warnw("No local media", "device", o.media.DeviceID, "error", err)
	o.emitMedia()
}

// Leave closes every link, stops the capture and closes the control channel,
// in that order. Further calls return nil.
func (o *Orchestrator) Leave(ctx context.Context) error {
	err := o.do(ctx, func() error {
		if o.left {
			return nil
		}
		o.left = true
		for _, link := range o.sortedLinks() {
			o.closeLink(link)
		}
		if o.capture != nil {
			if err := o.capture.Stop(); err != nil {
				o.logger.Debugw("Error stopping capture", "error", err)
			}
			o.capture = nil
		}
		o.media.Status = domain.MediaNone
		o.logger.Infow("Left room")
		return o.signal.Close()
	})
	if errors.Is(err, domain.ErrOrchestratorClosed) {
		err = nil
	}
	o.leaveOnce.Do(func() { close(o.quit) })
	<-o.done
	return err
}

// Peers returns a snapshot of every PeerLink in id order.
func (o *Orchestrator) Peers(ctx context.Context) ([]domain.PeerView, error) {
	var out []domain.PeerView
	err := o.do(ctx, func() error {
		for _, link := range o.sortedLinks() {
			out = append(out, link.view(o.remoteMuted[link.remote]))
		}
		return nil
	})
	return out, err
}

// RemoteMuted reports the last mute state received for id.
func (o *Orchestrator) RemoteMuted(ctx context.Context, id domain.ParticipantID) (muted, known bool, err error) {
	err = o.do(ctx, func() error {
		muted, known = o.remoteMuted[id]
		return nil
	})
	return muted, known, err
}

func (o *Orchestrator) LocalMedia(ctx context.Context) (domain.LocalMediaView, error) {
	var view domain.LocalMediaView
	err := o.do(ctx, func() error {
		view = o.media
		return nil
	})
	return view, err
}

func (o *Orchestrator) sortedLinks() []*peerLink {
	out := make([]*peerLink, 0, len(o.links))
	for _, link := range o.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].remote < out[j].remote })
	return out
}

func (o *Orchestrator) emitPeer(kind domain.PeerEventKind, link *peerLink) {
	o.emit(domain.PeerEvent{Kind: kind, Peer: link.view(o.remoteMuted[link.remote])})
}

func (o *Orchestrator) emitMedia() {
	o.emit(domain.PeerEvent{Kind: domain.MediaChanged, Media: o.media})
}

func (o *Orchestrator) emit(ev domain.PeerEvent) {
	select {
	case o.events <- ev:
	default:
	}
}
