package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	apperrors "voxmesh/pkg/errors"
	"voxmesh/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrIdentityRejected is returned when the relay refuses the participant id.
var ErrIdentityRejected = errors.New("participant id rejected by relay")

// ClientConfig tunes the participant side of a control channel.
type ClientConfig struct {
	Origin           string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBuffer:       64,
	}
}

// RoomURL builds the control channel URL for room on the relay at base, which
// may be given as ws(s):// or http(s)://.
func RoomURL(base, room string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(room) + "/ws"
	return u.String(), nil
}

// Client is one control channel to a relay.
type Client struct {
	conn *websocket.Conn
	cfg  ClientConfig

	mu     sync.Mutex
	closed bool
	broken bool
	send   chan []byte
	closer chan struct{}
	done   chan struct{}

	logger *zap.SugaredLogger
}

// Dial opens a control channel. When the relay reports that another instance
// owns the room the error is a *domain.OwnershipError naming that instance.
func Dial(ctx context.Context, rawURL string, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp, err)
		}
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &Client{
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		closer: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	return c, nil
}

func handshakeError(resp *http.Response, err error) error {
	switch resp.StatusCode {
	case http.StatusMisdirectedRequest:
		return &domain.OwnershipError{Owner: resp.Header.Get(apperrors.OwnerHeader)}
	case http.StatusForbidden, http.StatusBadRequest:
		return retry.Permanent(fmt.Errorf("relay refused channel (%d): %w", resp.StatusCode, err))
	default:
		return fmt.Errorf("relay handshake failed (%d): %w", resp.StatusCode, err)
	}
}

// Send queues msg for the writer.
func (c *Client) Send(msg *domain.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return domain.ErrSessionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Close sends a normal close frame after any queued messages and releases the
// connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closer)
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Run reads frames until the channel ends and hands every valid message to
// handle. It returns nil after Close or once ctx ends, ErrIdentityRejected when the relay
// closed the channel for a duplicate participant id, and the read error
// otherwise.
func (c *Client) Run(ctx context.Context, handle func(context.Context, *domain.Message) error) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return c.readError(err)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.Warnw("Discarding invalid frame from relay", "error", err)
			continue
		}
		if err := handle(ctx, msg); err != nil {
			if errors.Is(err, domain.ErrOrchestratorClosed) {
				return nil
			}
			c.logger.Debugw("Message handling failed", "type", msg.Type, "error", err)
		}
	}
}

func (c *Client) readError(err error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case domain.CloseIdentityInUse:
			return ErrIdentityRejected
		case domain.CloseRateLimited:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, closeErr.Text)
		}
	}
	return fmt.Errorf("control channel lost: %w", err)
}

func (c *Client) writePump() {
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
				c.logger.Debugw("Control channel write failed", "error", err)
				c.markBroken()
				return
			}

		case <-c.closer:
			c.flush()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.markBroken()
				return
			}
		}
	}
}

func (c *Client) flush() {
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

func (c *Client) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
