package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentbridge/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerSettings configures the circuit breaker behavior.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive transport failures before the
	// circuit opens. Must exceed the channel manager's single restart-retry
	// (two failures per request) so the breaker only reacts to persistent
	// outages, never to a routine crash-and-recover.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// BreakerChannel wraps a Caller with circuit breaker protection. When the
// worker is persistently down, calls fail fast with ErrUnreachable instead of
// dialing a dead port on every request.
type BreakerChannel struct {
	inner   Caller
	breaker *gobreaker.CircuitBreaker[*domain.RPCResponse]
	logger  *slog.Logger
}

// NewBreakerChannel wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewBreakerChannel(inner Caller, cfg BreakerSettings, logger *slog.Logger) *BreakerChannel {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.RPCResponse](gobreaker.Settings{
		Name:        "backend-rpc",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A remote application error still proves the transport works.
			return err == nil || errors.Is(err, domain.ErrRemote)
		},
	})

	return &BreakerChannel{inner: inner, breaker: cb, logger: logger}
}

// Call routes the request through the circuit breaker.
func (b *BreakerChannel) Call(ctx context.Context, command string, payload any, timeout time.Duration) (*domain.RPCResponse, error) {
	resp, err := b.breaker.Execute(func() (*domain.RPCResponse, error) {
		return b.inner.Call(ctx, command, payload, timeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewDomainError("RpcChannel.Call", domain.ErrUnreachable, "circuit open: "+err.Error())
		}
		return resp, err
	}
	return resp, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerChannel) State() gobreaker.State {
	return b.breaker.State()
}

var _ Caller = (*BreakerChannel)(nil)
