package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/services"
	apperrors "voxmesh/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticDirectory struct {
	self  string
	owner string
}

func (d *staticDirectory) Claim(ctx context.Context, room domain.RoomName) (string, error) {
	return d.owner, nil
}
func (d *staticDirectory) Release(ctx context.Context, room domain.RoomName) error { return nil }
func (d *staticDirectory) Self() string { return d.self }
func (d *staticDirectory) HealthCheck(ctx context.Context) error { return nil }
func (d *staticDirectory) Close() error { return nil }

type testRelayServer struct {
	*httptest.Server
	rooms  *services.RoomManager
	server *WebSocketServer
}

func newTestRelayServer(t *testing.T, directory *staticDirectory) *testRelayServer {
	t.Helper()

	logger := zap.NewNop().Sugar()
	rooms := services.NewRoomManager(nil, services.DefaultRelayConfig(), nil, logger)
	if directory != nil {
		rooms = services.NewRoomManager(directory, services.DefaultRelayConfig(), nil, logger)
	}
	server := NewWebSocketServer(rooms, NewOriginPolicy(nil, true), DefaultServerConfig(), nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{room}/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := server.HandleWebSocket(w, r, r.PathValue("room")); err != nil {
			appErr := apperrors.GetAppError(err)
			http.Error(w, appErr.Message, appErr.HTTPStatus)
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		ts.Close()
		rooms.Shutdown()
	})
	return &testRelayServer{Server: ts, rooms: rooms, server: server}
}

func (ts *testRelayServer) url(room string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + room + "/ws"
}

func (ts *testRelayServer) dial(t *testing.T, room string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(room), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testRelayServer) waitParticipants(t *testing.T, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		relay, ok := ts.rooms.Lookup(domain.RoomName(room))
		if !ok {
			return false
		}
		snap, err := relay.Snapshot(context.Background())
		return err == nil && len(snap.Participants) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg *domain.Message) {
	t.Helper()
	frame, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readMessage(t *testing.T, conn *websocket.Conn) *domain.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := domain.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func TestWebSocketServer_JoinAndRelay(t *testing.T) {
	ts := newTestRelayServer(t, nil)

	alice := ts.dial(t, "standup")
	sendMessage(t, alice, domain.NewJoinMessage("alice"))
	ts.waitParticipants(t, "standup", 1)

	bob := ts.dial(t, "standup")
	sendMessage(t, bob, domain.NewJoinMessage("bob"))

	joined := readMessage(t, alice)
	assert.Equal(t, domain.MessageUserJoined, joined.Type)
	assert.Equal(t, domain.ParticipantID("bob"), joined.ParticipantID)

	offer, err := domain.NewRelayedMessage(domain.MessageOffer, "alice", "bob",
		domain.DescriptionPayload{Type: "offer", SDP: "v=0", LinkID: "link-1"})
	require.NoError(t, err)
	sendMessage(t, bob, offer)

	got := readMessage(t, alice)
	assert.Equal(t, domain.MessageOffer, got.Type)
	assert.Equal(t, domain.ParticipantID("bob"), got.SenderClientID)
	payload, err := got.DescriptionPayload()
	require.NoError(t, err)
	assert.Equal(t, "link-1", payload.LinkID)

	require.NoError(t, bob.Close())
	left := readMessage(t, alice)
	assert.Equal(t, domain.MessageUserLeft, left.Type)
	assert.Equal(t, domain.ParticipantID("bob"), left.ParticipantID)
}

func TestWebSocketServer_DuplicateIdentity(t *testing.T) {
	ts := newTestRelayServer(t, nil)

	first := ts.dial(t, "standup")
	sendMessage(t, first, domain.NewJoinMessage("alice"))
	ts.waitParticipants(t, "standup", 1)

	second := ts.dial(t, "standup")
	sendMessage(t, second, domain.NewJoinMessage("alice"))

	rejected := readMessage(t, second)
	assert.Equal(t, domain.MessageError, rejected.Type)
	assert.Equal(t, domain.ReasonIdentityInUse, rejected.Reason)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, domain.CloseIdentityInUse, closeErr.Code)

	ts.waitParticipants(t, "standup", 1)
}

func TestWebSocketServer_RejectsBeforeUpgrade(t *testing.T) {
	ts := newTestRelayServer(t, nil)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.net")
	_, resp, err := websocket.DefaultDialer.Dial(ts.url("standup"), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.url("bad%20room"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, ts.rooms.Rooms())
}

func TestWebSocketServer_MisdirectedRoom(t *testing.T) {
	ts := newTestRelayServer(t, &staticDirectory{self: "ws://relay-a", owner: "ws://relay-b"})

	_, resp, err := websocket.DefaultDialer.Dial(ts.url("standup"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	assert.Equal(t, "ws://relay-b", resp.Header.Get(apperrors.OwnerHeader))
}

func TestWebSocketServer_ReleasesRoomWhenEmpty(t *testing.T) {
	ts := newTestRelayServer(t, nil)

	conn := ts.dial(t, "standup")
	sendMessage(t, conn, domain.NewJoinMessage("alice"))
	ts.waitParticipants(t, "standup", 1)
	assert.Equal(t, 1, ts.server.ConnectedSessions())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := ts.rooms.Lookup("standup")
		return !ok && ts.server.ConnectedSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_ShutdownClosesSessions(t *testing.T) {
	ts := newTestRelayServer(t, nil)

	conn := ts.dial(t, "standup")
	sendMessage(t, conn, domain.NewJoinMessage("alice"))
	ts.waitParticipants(t, "standup", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
