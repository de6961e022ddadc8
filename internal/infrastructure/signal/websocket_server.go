package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"
	"voxmesh/internal/core/services"
	apperrors "voxmesh/pkg/errors"
	"voxmesh/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ServerConfig tunes control channel sessions.
type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

// WebSocketServer upgrades control channels and feeds their frames into the
// room relays.
type WebSocketServer struct {
	rooms    *services.RoomManager
	policy   OriginPolicy
	cfg      ServerConfig
	metrics  ports.RelayMetrics
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.Generation]*wsSession
}

func NewWebSocketServer(rooms *services.RoomManager, policy OriginPolicy, cfg ServerConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *WebSocketServer {
	if metrics == nil {
		metrics = services.NopRelayMetrics{}
	}
	return &WebSocketServer{
		rooms:   rooms,
		policy:  policy,
		cfg:     cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin admission happens before Upgrade is called.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger.With("component", "signal_server"),
		sessions: make(map[domain.Generation]*wsSession),
	}
}

// HandleWebSocket admits and serves one control channel for room. A non-nil
// error means the request was rejected before the upgrade and nothing has been
// written to w except headers.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request, room string) error {
	name := domain.RoomName(room)
	if err := domain.ValidateRoomName(room); err != nil {
		s.metrics.UpgradeRejected("invalid-room")
		return apperrors.NewInvalidInputError(err.Error())
	}

	if reason := s.policy.Check(r); reason != "" {
		s.metrics.UpgradeRejected(reason)
		s.logger.Warnw("Rejected control channel",
			"room", name,
			"reason", reason,
			"origin", r.Header.Get("Origin"),
			"remote", r.RemoteAddr,
		)
		return apperrors.NewForbiddenError("origin not allowed").WithDetail("reason", reason)
	}

	relay, release, err := s.rooms.Acquire(r.Context(), name)
	if err != nil {
		var owned *domain.OwnershipError
		if errors.As(err, &owned) {
			s.metrics.UpgradeRejected("misdirected")
			w.Header().Set(apperrors.OwnerHeader, owned.Owner)
			return apperrors.NewMisdirectedError(room, owned.Owner)
		}
		s.metrics.UpgradeRejected("directory")
		return apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "room directory unavailable")
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.metrics.UpgradeRejected("handshake")
		s.logger.Debugw("WebSocket upgrade failed", "room", name, "error", err)
		return nil
	}

	session := newSession(conn, s.cfg, r.RemoteAddr)
	s.track(session)
	defer s.untrack(session)

	s.logger.Debugw("Control channel opened",
		"room", name,
		"generation", session.gen,
		"remote", session.remote,
	)

	go session.writePump()
	s.readPump(r.Context(), session, relay)

	if err := relay.Disconnect(session); err != nil && !errors.Is(err, domain.ErrRelayStopped) {
		s.logger.Warnw("Failed to report closed channel", "room", name, "error", err)
	}
	session.Close(websocket.CloseNormalClosure, "")
	<-session.done

	s.logger.Debugw("Control channel closed", "room", name, "generation", session.gen)
	return nil
}

func (s *WebSocketServer) readPump(ctx context.Context, session *wsSession, relay *services.Relay) {
	conn := session.conn
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debugw("Control channel read error", "room", relay.Room(), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if messageType != websocket.TextMessage {
			s.metrics.MessageDropped("binary-frame")
			continue
		}

		_, span := tracing.TraceSignalMessage(ctx, string(relay.Room()), len(data))
		err = relay.Deliver(session, data)
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("relay.generation", string(session.gen)))
		span.End()

		if err != nil {
			return
		}
	}
}

func (s *WebSocketServer) track(session *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.gen] = session
}

func (s *WebSocketServer) untrack(session *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.gen)
}

// ConnectedSessions returns the number of open control channels.
func (s *WebSocketServer) ConnectedSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown asks every open channel to close and waits until they are gone or
// ctx expires.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	open := make([]*wsSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		open = append(open, session)
	}
	s.mu.RUnlock()

	for _, session := range open {
		session.Close(websocket.CloseGoingAway, "server shutting down")
	}
	for _, session := range open {
		select {
		case <-session.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type closeRequest struct {
	code   int
	reason string
}

// wsSession is one accepted control channel. All writes happen on the write
// pump; Send and Close only queue work for it.
type wsSession struct {
	conn   *websocket.Conn
	gen    domain.Generation
	remote string
	cfg    ServerConfig

	mu     sync.Mutex
	closed bool
	send   chan []byte
	closer chan closeRequest
	done   chan struct{}
}

func newSession(conn *websocket.Conn, cfg ServerConfig, remote string) *wsSession {
	return &wsSession{
		conn:   conn,
		gen:    domain.Generation(uuid.NewString()),
		remote: remote,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		closer: make(chan closeRequest, 1),
		done:   make(chan struct{}),
	}
}

func (c *wsSession) Generation() domain.Generation { return c.gen }

func (c *wsSession) RemoteAddr() string { return c.remote }

// Send queues frame without blocking. A full queue means the peer is not
// keeping up and the frame is refused.
func (c *wsSession) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrSessionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Close schedules a close frame after everything already queued. Only the
// first call has an effect.
func (c *wsSession) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closer <- closeRequest{code: code, reason: reason}
}

func (c *wsSession) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}

		case req := <-c.closer:
			c.flush()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.reason), deadline)
			return

		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *wsSession) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsSession) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
