package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	// DefaultDevice produces digital silence.
	DefaultDevice = "default"
	// OggPrefix selects an Ogg/Opus file source, as in "ogg:/path/to/file.ogg".
	OggPrefix = "ogg:"
)

const (
	opusClockRate     = 48000
	opusPayloadType   = 111
	samplesPerFrame   = opusClockRate / 50
	packetizerMTU     = 1200
	opusTagsSignature = "OpusTags"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Capturer opens Opus captures for the configured devices.
type Capturer struct {
	devices []string
	logger  *zap.SugaredLogger
}

var _ ports.MediaCapturer = (*Capturer)(nil)

// NewCapturer accepts DefaultDevice and any configured ogg: sources.
func NewCapturer(devices []string, logger *zap.SugaredLogger) *Capturer {
	c := &Capturer{devices: []string{DefaultDevice}, logger: logger.With("component", "capture")}
	for _, d := range devices {
		if !c.known(d) {
			c.devices = append(c.devices, d)
		}
	}
	return c
}

func (c *Capturer) Devices() []string {
	out := make([]string, len(c.devices))
	copy(out, c.devices)
	return out
}

func (c *Capturer) Open(ctx context.Context, deviceID string, enhancements domain.AudioEnhancements) (ports.Capture, error) {
	if deviceID == "" {
		deviceID = DefaultDevice
	}
	if !c.known(deviceID) {
		return nil, fmt.Errorf("%w: unknown device %q", domain.ErrDeviceUnavailable, deviceID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var src source = silenceSource{}
	if path, ok := strings.CutPrefix(deviceID, OggPrefix); ok {
		s, err := openOgg(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		src = s
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		"voxmesh-"+deviceID,
	)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	capture := newCapture(track, track, src, deviceID, enhancements, c.logger)
	c.logger.Infow("Capture opened", "device", deviceID, "enhancements", enhancements)
	return capture, nil
}

func (c *Capturer) known(deviceID string) bool {
	for _, d := range c.devices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// capture paces Opus frames from its source onto the track. When disabled it
// keeps the cadence but sends silence, so the remote jitter buffers stay warm.
type capture struct {
	track        webrtc.TrackLocal
	out          rtpWriter
	src          source
	packetizer   rtp.Packetizer
	deviceID     string
	enhancements domain.AudioEnhancements
	enabled      atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	logger   *zap.SugaredLogger
}

func newCapture(track webrtc.TrackLocal, out rtpWriter, src source, deviceID string, enh domain.AudioEnhancements, logger *zap.SugaredLogger) *capture {
	c := &capture{
		track: track,
		out:   out,
		src:   src,
		packetizer: rtp.NewPacketizer(packetizerMTU, opusPayloadType, rand.Uint32(),
			&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate),
		deviceID:     deviceID,
		enhancements: enh,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger,
	}
	c.enabled.Store(true)
	go c.run()
	return c
}

func (c *capture) Track() webrtc.TrackLocal { return c.track }

func (c *capture) DeviceID() string { return c.deviceID }

func (c *capture) Enhancements() domain.AudioEnhancements { return c.enhancements }

func (c *capture) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

func (c *capture) Enabled() bool { return c.enabled.Load() }

func (c *capture) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *capture) run() {
	defer close(c.done)
	defer func() { c.src.Close() }()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
		}

		payload, samples, err := c.src.Next()
		if err != nil {
			c.logger.Warnw("Capture source failed, sending silence", "device", c.deviceID, "error", err)
			c.src.Close()
			c.src = silenceSource{}
			payload, samples = opusSilence, samplesPerFrame
		}
		if !c.enabled.Load() {
			payload = opusSilence
		}

		for _, pkt := range c.packetizer.Packetize(payload, samples) {
			if err := c.out.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debugw("Failed to write audio packet", "device", c.deviceID, "error", err)
			}
		}
		timer.Reset(time.Duration(samples) * time.Second / opusClockRate)
	}
}

// source yields Opus payloads with their duration in samples.
type source interface {
	Next() (payload []byte, samples uint32, err error)
	Close() error
}

type silenceSource struct{}

func (silenceSource) Next() ([]byte, uint32, error) { return opusSilence, samplesPerFrame, nil }
func (silenceSource) Close() error { return nil }

// oggSource replays an Ogg/Opus file page by page and loops at the end.
type oggSource struct {
	path        string
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	if s.file != nil {
		s.file.Close()
	}
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("not an ogg/opus file: %w", err)
	}
	s.file = file
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) Next() ([]byte, uint32, error) {
	for attempts := 0; attempts < 2; attempts++ {
		for {
			page, header, err := s.reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, 0, err
			}
			if strings.HasPrefix(string(page), opusTagsSignature) || len(page) == 0 {
				continue
			}

			samples := uint32(samplesPerFrame)
			if header.GranulePosition > s.lastGranule {
				samples = uint32(header.GranulePosition - s.lastGranule)
			}
			s.lastGranule = header.GranulePosition
			return page, samples, nil
		}
		if err := s.rewind(); err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("%s contains no audio pages", s.path)
}

func (s *oggSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
