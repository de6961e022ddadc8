package webrtc

import (
	"fmt"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the media engine.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// LevelInterval throttles remote audio level reports per link.
	LevelInterval time.Duration
}

// Factory builds pion peer connections that share one API instance.
type Factory struct {
	api    *webrtc.API
	config Config
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(config Config, logger *zap.SugaredLogger) (*Factory, error) {
	if config.LevelInterval <= 0 {
		config.LevelInterval = 100 * time.Millisecond
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: config,
		logger: logger.With("component", "media_engine"),
	}, nil
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &peerConnection{
		pc:            pc,
		levelInterval: f.config.LevelInterval,
		logger:        f.logger,
	}
	pc.OnTrack(c.handleTrack)
	return c, nil
}

// peerConnection adapts a pion PeerConnection to ports.PeerConnection.
type peerConnection struct {
	pc            *webrtc.PeerConnection
	levelInterval time.Duration
	logger        *zap.SugaredLogger

	mu       sync.Mutex
	senders  []ports.TrackSender
	inbound  sequenceCounter
	rtt      time.Duration
	hasRTT   bool
	onLevel  func(domain.AudioLevel)
	lastSent time.Time
}

func (c *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *peerConnection) AddAudioSender(track webrtc.TrackLocal) (ports.TrackSender, error) {
	var sender *webrtc.RTPSender
	if track != nil {
		s, err := c.pc.AddTrack(track)
		if err != nil {
			return nil, fmt.Errorf("failed to add audio track: %w", err)
		}
		sender = s
	} else {
		tr, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
		sender = tr.Sender()
	}

	c.mu.Lock()
	c.senders = append(c.senders, sender)
	c.mu.Unlock()

	go c.readSenderRTCP(sender)
	return sender, nil
}

func (c *peerConnection) Senders() []ports.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.TrackSender, len(c.senders))
	copy(out, c.senders)
	return out
}

// Stats reports the nominated candidate pair round trip time, falling back to
// the RTCP derived value, and inbound sequence loss counters.
func (c *peerConnection) Stats() (domain.LinkStats, error) {
	stats := domain.LinkStats{Timestamp: time.Now()}

	for _, s := range c.pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			stats.RoundTripTime = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
			stats.HasRoundTrip = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !stats.HasRoundTrip && c.hasRTT {
		stats.RoundTripTime = c.rtt
		stats.HasRoundTrip = true
	}
	stats.PacketsExpected = c.inbound.expected()
	stats.PacketsLost = c.inbound.lost()
	return stats, nil
}

func (c *peerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *peerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(connectionState(state))
	})
}

func (c *peerConnection) OnRemoteAudioLevel(fn func(domain.AudioLevel)) {
	c.mu.Lock()
	c.onLevel = fn
	c.mu.Unlock()
}

func (c *peerConnection) Close() error {
	return c.pc.Close()
}

func (c *peerConnection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	var levelID uint8
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			levelID = uint8(ext.ID)
		}
	}

	c.logger.Debugw("Remote audio track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
		"audio_level_ext", levelID,
	)

	go c.readReceiverRTCP(receiver)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.observe(pkt, levelID)
	}
}

func (c *peerConnection) observe(pkt *rtp.Packet, levelID uint8) {
	c.mu.Lock()
	c.inbound.observe(pkt.SequenceNumber)
	fn := c.onLevel
	due := time.Since(c.lastSent) >= c.levelInterval
	c.mu.Unlock()

	if fn == nil || levelID == 0 || !due {
		return
	}
	raw := pkt.GetExtension(levelID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}

	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()
	fn(domain.AudioLevel{Level: ext.Level, Voice: ext.Voice})
}

// readSenderRTCP drains RTCP for an outgoing track. The interceptors only see
// packets that are read, and receiver reports carry the data for RTT.
func (c *peerConnection) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			c.logger.Debugw("Sender RTCP loop ended", "error", err)
			return
		}
		c.processRTCP(time.Now(), packets)
	}
}

func (c *peerConnection) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (c *peerConnection) processRTCP(now time.Time, packets []rtcp.Packet) {
	for _, packet := range packets {
		report, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, r := range report.Reports {
			if rtt, ok := roundTripFromReport(now, r.LastSenderReport, r.Delay); ok {
				c.mu.Lock()
				c.rtt = rtt
				c.hasRTT = true
				c.mu.Unlock()
			}
		}
	}
}

func connectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}
