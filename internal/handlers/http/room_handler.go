package http

import (
	"context"
	"net/http"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/services"
	"voxmesh/internal/infrastructure/monitoring"
	"voxmesh/internal/infrastructure/signal"
	apperrors "voxmesh/pkg/errors"
	"voxmesh/pkg/utils"

	"github.com/gin-gonic/gin"
)

const snapshotTimeout = 2 * time.Second

type RoomHandler struct {
	rooms     *services.RoomManager
	websocket *signal.WebSocketServer
	health    *monitoring.HealthChecker
	startTime time.Time
}

func NewRoomHandler(rooms *services.RoomManager, websocket *signal.WebSocketServer, health *monitoring.HealthChecker) *RoomHandler {
	return &RoomHandler{
		rooms:     rooms,
		websocket: websocket,
		health:    health,
		startTime: time.Now(),
	}
}

// Connect upgrades the request to the room's control channel. Rejections
// before the upgrade are attached as errors for the error middleware.
func (h *RoomHandler) Connect(c *gin.Context) {
	if err := h.websocket.HandleWebSocket(c.Writer, c.Request, c.Param("room")); err != nil {
		c.Error(err)
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	name := c.Param("room")
	if err := domain.ValidateRoomName(name); err != nil {
		c.Error(apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid room name"))
		return
	}

	relay, ok := h.rooms.Lookup(domain.RoomName(name))
	if !ok {
		c.Error(apperrors.NewNotFoundError("room"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()
	snap, err := relay.Snapshot(ctx)
	if err != nil {
		// The relay stopped between Lookup and Snapshot.
		c.Error(apperrors.Wrap(err, apperrors.ErrCodeNotFound, "room not found"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room":         snap.Room,
		"participants": snap.Participants,
		"muted":        snap.Muted,
		"count":        len(snap.Participants),
	})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now().UTC(),
		"uptime":    utils.FormatDuration(time.Since(h.startTime)),
		"sessions":  h.websocket.ConnectedSessions(),
		"rooms":     len(h.rooms.Rooms()),
	})
}

// Ready runs every registered dependency check.
func (h *RoomHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
