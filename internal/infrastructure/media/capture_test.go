package media

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxmesh/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (w *recordingWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, append([]byte(nil), p.Payload...))
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func (w *recordingWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payloads[len(w.payloads)-1]
}

// writeOgg stores frames as an Ogg/Opus file with one frame per page.
func writeOgg(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.ogg")
	w, err := oggwriter.New(path, opusClockRate, 2)
	require.NoError(t, err)
	for i, frame := range frames {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * samplesPerFrame),
			},
			Payload: frame,
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestCapturer_Devices(t *testing.T) {
	c := NewCapturer([]string{"ogg:/tmp/a.ogg", DefaultDevice}, zap.NewNop().Sugar())
	assert.Equal(t, []string{DefaultDevice, "ogg:/tmp/a.ogg"}, c.Devices())
}

func TestCapturer_OpenDefault(t *testing.T) {
	c := NewCapturer(nil, zap.NewNop().Sugar())
	enh := domain.AudioEnhancements{EchoCancellation: true}

	capture, err := c.Open(context.Background(), "", enh)
	require.NoError(t, err)
	assert.Equal(t, DefaultDevice, capture.DeviceID())
	assert.Equal(t, enh, capture.Enhancements())
	assert.Equal(t, "audio", capture.Track().Kind().String())
	assert.True(t, capture.Enabled())

	capture.SetEnabled(false)
	assert.False(t, capture.Enabled())

	require.NoError(t, capture.Stop())
	require.NoError(t, capture.Stop())
}

func TestCapturer_OpenFailures(t *testing.T) {
	missing := "ogg:" + filepath.Join(t.TempDir(), "missing.ogg")
	c := NewCapturer([]string{missing}, zap.NewNop().Sugar())

	_, err := c.Open(context.Background(), "usb-headset", domain.AudioEnhancements{})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)

	_, err = c.Open(context.Background(), missing, domain.AudioEnhancements{})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
}

func TestOggSource_ReadsAndLoops(t *testing.T) {
	path := writeOgg(t, []byte{0x01, 0x02}, []byte{0x03, 0x04})

	src, err := openOgg(path)
	require.NoError(t, err)
	defer src.Close()

	var got [][]byte
	for i := 0; i < 4; i++ {
		payload, samples, err := src.Next()
		require.NoError(t, err)
		assert.NotZero(t, samples)
		got = append(got, payload)
	}
	assert.Equal(t, [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x01, 0x02}, {0x03, 0x04}}, got)
}

func TestCapture_SilenceWhenDisabled(t *testing.T) {
	path := writeOgg(t, []byte{0xAA, 0xBB, 0xCC})
	src, err := openOgg(path)
	require.NoError(t, err)

	out := &recordingWriter{}
	c := newCapture(nil, out, src, "ogg:"+path, domain.AudioEnhancements{}, zap.NewNop().Sugar())
	defer c.Stop()

	require.Eventually(t, func() bool { return out.count() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, out.last())

	c.SetEnabled(false)
	seen := out.count()
	require.Eventually(t, func() bool {
		return out.count() > seen+1 && bytes.Equal(out.last(), opusSilence)
	}, time.Second, 5*time.Millisecond)
}
