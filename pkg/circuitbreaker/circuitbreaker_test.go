package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestError = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = clock.Now
	cb.stateChangeTime = clock.Now()
	return cb, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

func fail() error    { return errTestError }
func succeed() error { return nil }

func TestCircuitBreaker_ClosedPassesErrorsThrough(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errTestError)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetStats().FailureCount)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errTestError)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
	close(release)
	assert.NoError(t, <-done)
}

func TestCircuitBreaker_CancellationIsNeutral(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.Execute(ctx, succeed), context.Canceled)
}

func TestCall_ReturnsResult(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	got, err := Call(context.Background(), cb, func() (string, error) { return "ws://relay-a", nil })
	require.NoError(t, err)
	assert.Equal(t, "ws://relay-a", got)

	got, err = Call(context.Background(), cb, func() (string, error) { return "partial", errTestError })
	assert.ErrorIs(t, err, errTestError)
	assert.Equal(t, "partial", got)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var transitions []State
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, succeed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}
