package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/pkg/retry"

	"go.uber.org/zap"
)

// Redialer keeps a participant's control channel to one room open. It dials
// with backoff, follows ownership redirects to the relay that serves the room
// and satisfies ports.SignalChannel for the orchestrator.
type Redialer struct {
	room    string
	cfg     ClientConfig
	backoff retry.Config
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	base    string
	current *Client
	closed  bool
}

func NewRedialer(base, room string, cfg ClientConfig, backoff retry.Config, logger *zap.SugaredLogger) *Redialer {
	return &Redialer{
		room:    room,
		cfg:     cfg,
		backoff: backoff,
		logger:  logger.With("component", "signal_client", "room", room),
		base:    base,
	}
}

// Relay returns the relay currently targeted.
func (r *Redialer) Relay() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

func (r *Redialer) Send(msg *domain.Message) error {
	r.mu.Lock()
	c := r.current
	r.mu.Unlock()
	if c == nil {
		return domain.ErrSessionClosed
	}
	return c.Send(msg)
}

// Close ends the current channel and stops Run from dialing again.
func (r *Redialer) Close() error {
	r.mu.Lock()
	r.closed = true
	c := r.current
	r.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

// Run dials, calls onConnect once the channel is up, and hands inbound
// messages to handle until ctx ends or Close is called. A lost channel is
// redialed. It returns ErrIdentityRejected if the relay refuses the
// participant id on the first join, or keeps refusing a rejoin for longer than
// the relay needs to notice the previous channel is dead. It returns the dial
// error once the backoff gives up.
func (r *Redialer) Run(ctx context.Context, onConnect func(context.Context) error, handle func(context.Context, *domain.Message) error) error {
	var established bool
	var rejectedSince time.Time
	for {
		client, err := retry.RetryWithResult(ctx, r.backoff, func() (*Client, error) {
			return r.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil || r.isClosed() {
				return nil
			}
			return err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			client.Close()
			return nil
		}
		r.current = client
		r.mu.Unlock()

		if err := onConnect(ctx); err != nil {
			r.detach(client)
			if errors.Is(err, domain.ErrOrchestratorClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Warnw("Join after connect failed", "error", err)
			continue
		}

		err = client.Run(ctx, handle)
		r.detach(client)

		switch {
		case err == nil, r.isClosed(), ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrIdentityRejected):
			if !established {
				return err
			}
			if rejectedSince.IsZero() {
				rejectedSince = time.Now()
			}
			if time.Since(rejectedSince) > r.identityGrace() {
				return err
			}
			r.logger.Infow("Previous channel still registered, retrying join", "relay", r.Relay())
		default:
			established = true
			rejectedSince = time.Time{}
			r.logger.Warnw("Control channel lost, reconnecting", "relay", r.Relay(), "error", err)
		}

		// Give the relay time to retire the old channel before joining again.
		timer := time.NewTimer(r.backoff.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// identityGrace bounds how long a rejoin may be refused. The relay drops a
// silent channel after its own pong timeout, so the client's is a fair guess.
func (r *Redialer) identityGrace() time.Duration {
	if r.cfg.PongTimeout > 0 {
		return r.cfg.PongTimeout
	}
	return DefaultClientConfig().PongTimeout
}

func (r *Redialer) dial(ctx context.Context) (*Client, error) {
	base := r.Relay()
	target, err := RoomURL(base, r.room)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	client, err := Dial(ctx, target, r.cfg, r.logger)
	if err == nil {
		r.logger.Infow("Control channel connected", "relay", base)
		return client, nil
	}

	var owned *domain.OwnershipError
	if errors.As(err, &owned) && owned.Owner != "" && owned.Owner != base {
		r.logger.Infow("Room is served elsewhere, following redirect", "from", base, "to", owned.Owner)
		r.mu.Lock()
		r.base = owned.Owner
		r.mu.Unlock()
	}
	return nil, err
}

func (r *Redialer) detach(client *Client) {
	r.mu.Lock()
	if r.current == client {
		r.current = nil
	}
	r.mu.Unlock()
	client.Close()
}

func (r *Redialer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
