package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// journal records cross-object call order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeSender) current() (webrtc.TrackLocal, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track, s.replaced
}

type fakePC struct {
	mu      sync.Mutex
	id      int
	journal *journal

	offers     int
	answers    int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    []*fakeSender
	closed     bool
	stats      domain.LinkStats

	failCreateOffer error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(domain.ConnectionState)
	onLevel     func(domain.AudioLevel)
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreateOffer != nil {
		return webrtc.SessionDescription{}, p.failCreateOffer
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", p.id, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d-%d", p.id, p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc)
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) AddAudioSender(track webrtc.TrackLocal) (ports.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) Senders() []ports.TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.TrackSender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePC) Stats() (domain.LinkStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) OnRemoteAudioLevel(fn func(domain.AudioLevel)) {
	p.mu.Lock()
	p.onLevel = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && p.journal != nil {
		p.journal.add("close-pc")
	}
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) counts() (offers, answers, remote, candidates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, len(p.remote), len(p.candidates)
}

func (p *fakePC) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePC) emitState(s domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePC) setStats(s domain.LinkStats) {
	p.mu.Lock()
	p.stats = s
	p.mu.Unlock()
}

type fakeFactory struct {
	mu        sync.Mutex
	pcs       []*fakePC
	journal   *journal
	configure func(n int, pc *fakePC)
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{id: len(f.pcs) + 1, journal: f.journal}
	if f.configure != nil {
		f.configure(len(f.pcs), pc)
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) created() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

type fakeSignal struct {
	mu      sync.Mutex
	sent    []*domain.Message
	closed  bool
	journal *journal
}

func (s *fakeSignal) Send(msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.journal != nil {
		s.journal.add("close-signal")
	}
	s.closed = true
	return nil
}

func (s *fakeSignal) ofType(t domain.MessageType) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignal) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

type fakeCapture struct {
	mu      sync.Mutex
	track   *webrtc.TrackLocalStaticSample
	device  string
	enh     domain.AudioEnhancements
	enabled bool
	stopped bool
	journal *journal
}

func (c *fakeCapture) Track() webrtc.TrackLocal { return c.track }
func (c *fakeCapture) DeviceID() string { return c.device }

func (c *fakeCapture) Enhancements() domain.AudioEnhancements { return c.enh }

func (c *fakeCapture) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

func (c *fakeCapture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped && c.journal != nil {
		c.journal.add("stop-capture")
	}
	c.stopped = true
	return nil
}

func (c *fakeCapture) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

type fakeCapturer struct {
	mu      sync.Mutex
	opened  []*fakeCapture
	fail    map[string]error
	journal *journal
}

func (f *fakeCapturer) Open(ctx context.Context, deviceID string, enh domain.AudioEnhancements) (ports.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[deviceID]; ok {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		fmt.Sprintf("audio-%d", len(f.opened)), "local")
	if err != nil {
		return nil, err
	}
	c := &fakeCapture{track: track, device: deviceID, enh: enh, enabled: true, journal: f.journal}
	f.opened = append(f.opened, c)
	return c, nil
}

func (f *fakeCapturer) Devices() []string { return []string{"default", "usb"} }

func (f *fakeCapturer) setFailure(device string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	if err == nil {
		delete(f.fail, device)
		return
	}
	f.fail[device] = err
}

func (f *fakeCapturer) captures() []*fakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeCapture(nil), f.opened...)
}
