package webrtc

import (
	"testing"

	"voxmesh/internal/core/domain"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return f
}

func TestFactory_OfferAnswer(t *testing.T) {
	f := newTestFactory(t)

	offerer, err := f.NewPeerConnection()
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := f.NewPeerConnection()
	require.NoError(t, err)
	defer answerer.Close()

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "alice")
	require.NoError(t, err)
	_, err = offerer.AddAudioSender(track)
	require.NoError(t, err)

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	assert.Contains(t, offer.SDP, "opus")
	assert.Contains(t, offer.SDP, sdp.AudioLevelURI)

	require.NoError(t, answerer.SetRemoteDescription(offer))
	_, err = answerer.AddAudioSender(nil)
	require.NoError(t, err)
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))

	assert.Len(t, offerer.Senders(), 1)
	assert.Len(t, answerer.Senders(), 1)

	// Replacing the outgoing track needs no renegotiation.
	next, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "alice")
	require.NoError(t, err)
	assert.NoError(t, offerer.Senders()[0].ReplaceTrack(next))

	stats, err := offerer.Stats()
	require.NoError(t, err)
	assert.False(t, stats.HasRoundTrip)
	assert.Zero(t, stats.PacketsExpected)
}

func TestConnectionStateMapping(t *testing.T) {
	tests := map[webrtc.PeerConnectionState]domain.ConnectionState{
		webrtc.PeerConnectionStateNew:          domain.ConnectionNew,
		webrtc.PeerConnectionStateConnecting:   domain.ConnectionConnecting,
		webrtc.PeerConnectionStateConnected:    domain.ConnectionConnected,
		webrtc.PeerConnectionStateDisconnected: domain.ConnectionDisconnected,
		webrtc.PeerConnectionStateFailed:       domain.ConnectionFailed,
		webrtc.PeerConnectionStateClosed:       domain.ConnectionClosed,
	}
	for in, want := range tests {
		assert.Equal(t, want, connectionState(in), in.String())
	}
}
