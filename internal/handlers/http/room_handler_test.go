package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"
	"voxmesh/internal/core/services"
	"voxmesh/internal/infrastructure/monitoring"
	"voxmesh/internal/infrastructure/repositories/memory"
	"voxmesh/internal/infrastructure/signal"
	"voxmesh/pkg/config"
	apperrors "voxmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ownedElsewhere struct{ *memory.RoomDirectory }

func (d ownedElsewhere) Claim(ctx context.Context, room domain.RoomName) (string, error) {
	return "ws://relay-b:8080", nil
}

type testServer struct {
	*httptest.Server
	rooms *services.RoomManager
}

// newTestServer serves every room locally unless elsewhere is set, in which
// case the directory reports another owner.
func newTestServer(t *testing.T, elsewhere bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Signal.AllowLocalDev = true
	logger := zap.NewNop()
	sugar := logger.Sugar()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewPrometheusCollector(reg)

	var dir ports.RoomDirectory = memory.NewRoomDirectory("ws://relay-a:8080")
	if elsewhere {
		dir = ownedElsewhere{memory.NewRoomDirectory("ws://relay-a:8080")}
	}
	rooms := services.NewRoomManager(dir, services.DefaultRelayConfig(), metrics, sugar)

	ws := signal.NewWebSocketServer(rooms,
		signal.NewOriginPolicy(cfg.Signal.AllowedOrigins, cfg.Signal.AllowLocalDev),
		signal.DefaultServerConfig(), metrics, sugar)

	health := monitoring.NewHealthChecker()
	health.AddDirectoryCheck(dir, time.Minute, time.Second)

	router := NewRouter(RouterDeps{
		Config:   cfg,
		Rooms:    NewRoomHandler(rooms, ws, health),
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   logger,
	})

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ws.Shutdown(ctx)
		ts.Close()
		rooms.Shutdown()
	})
	return &testServer{Server: ts, rooms: rooms}
}

func (ts *testServer) wsURL(room string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + room + "/ws"
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestRoomHandler_GetRoom(t *testing.T) {
	ts := newTestServer(t, false)

	var missing map[string]interface{}
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/rooms/standup", &missing))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), missing["error"])

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/rooms/bad%20room", nil))

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("standup"), nil)
	require.NoError(t, err)
	defer conn.Close()
	frame, err := domain.NewJoinMessage("alice").Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	var room struct {
		Room         string   `json:"room"`
		Participants []string `json:"participants"`
		Count        int      `json:"count"`
	}
	require.Eventually(t, func() bool {
		return getJSON(t, ts.URL+"/api/v1/rooms/standup", &room) == http.StatusOK && room.Count == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "standup", room.Room)
	assert.Equal(t, []string{"alice"}, room.Participants)

	var list struct {
		Rooms []string `json:"rooms"`
		Count int      `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/rooms", &list))
	assert.Equal(t, []string{"standup"}, list.Rooms)
}

func TestRouter_MisdirectedUpgrade(t *testing.T) {
	ts := newTestServer(t, true)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("standup"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	assert.Equal(t, "ws://relay-b:8080", resp.Header.Get(apperrors.OwnerHeader))
}

func TestRouter_HealthReadyMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	var health map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var ready monitoring.HealthStatus
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/ready", &ready))
	assert.Equal(t, "healthy", ready.Checks["directory"])

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
