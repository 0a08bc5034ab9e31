package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/soapctl/internal/extract"
	"github.com/danmuck/soapctl/internal/observability"
	"github.com/danmuck/soapctl/internal/profile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// GuardConfig bounds every remote call.
type GuardConfig struct {
	Timeout            time.Duration
	MaxFailures        uint32
	BreakerOpenTimeout time.Duration
}

// DefaultGuardConfig returns conservative bounds for a slow remote service.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:            45 * time.Second,
		MaxFailures:        5,
		BreakerOpenTimeout: 60 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultGuardConfig.
func (c GuardConfig) WithDefaults() GuardConfig {
	def := DefaultGuardConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = def.MaxFailures
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	return c
}

// Guard decorates a Client with a hard per-call deadline, a circuit breaker
// and call metrics. Coded service replies never trip the breaker; transport
// failures and timeouts do.
type Guard struct {
	next    Client
	cfg     GuardConfig
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*Guard)(nil)

// NewGuard wraps next.
func NewGuard(next Client, cfg GuardConfig) *Guard {
	cfg = cfg.WithDefaults()
	g := &Guard{next: next, cfg: cfg}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-account-service",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var serr *ServiceError
			return err == nil || errors.As(err, &serr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("remote breaker state change")
		},
	})
	return g
}

func (g *Guard) RegionChange(ctx context.Context, p []byte, target profile.Target) (Reply, error) {
	return guarded(g, ctx, OpRegionChange, func(ctx context.Context) (Reply, error) {
		return g.next.RegionChange(ctx, p, target)
	})
}

func (g *Guard) DeleteAccount(ctx context.Context, p []byte) (Reply, error) {
	return guarded(g, ctx, OpDeleteAcct, func(ctx context.Context) (Reply, error) {
		return g.next.DeleteAccount(ctx, p)
	})
}

func (g *Guard) TransferWithDonor(ctx context.Context, p, donorProfile []byte) (TransferReply, error) {
	return guarded(g, ctx, OpTransfer, func(ctx context.Context) (TransferReply, error) {
		return g.next.TransferWithDonor(ctx, p, donorProfile)
	})
}

func (g *Guard) Clean(ctx context.Context, p []byte) ([]byte, error) {
	return guarded(g, ctx, OpClean, func(ctx context.Context) ([]byte, error) {
		return g.next.Clean(ctx, p)
	})
}

// Extract forwards to the wrapped client when it also extracts profiles.
func (g *Guard) Extract(ctx context.Context, image []byte) ([]byte, error) {
	x, ok := g.next.(extract.Extractor)
	if !ok {
		return nil, &extract.ExtractionError{Err: errors.New("remote client cannot generate profiles")}
	}
	return guarded(g, ctx, OpExtract, func(ctx context.Context) ([]byte, error) {
		return x.Extract(ctx, image)
	})
}

type callResult[T any] struct {
	val T
	err error
}

// guarded runs fn under the guard's deadline and breaker. fn runs on its own
// goroutine so a client that ignores ctx still cannot hold the caller past the deadline.
func guarded[T any](g *Guard, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (any, error) {
		done := make(chan callResult[T], 1)
		go func() {
			v, err := fn(callCtx)
			done <- callResult[T]{val: v, err: err}
		}()
		select {
		case res := <-done:
			return res.val, res.err
		case <-callCtx.Done():
			return zero, callCtx.Err()
		}
	})
	err = g.mapError(ctx, callCtx, op, err)
	observability.RecordRemoteCall(op, resultLabel(err), time.Since(start))
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("op", op).Dur("elapsed", time.Since(start)).Msg("remote call failed")
		return zero, err
	}
	val, _ := out.(T)
	return val, nil
}

func (g *Guard) mapError(parent, callCtx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	case parent.Err() != nil:
		return err
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrTimeout, op, g.cfg.Timeout)
	default:
		return err
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	out := Classify(err)
	if out.Kind == OutcomeStickyLock {
		return "sticky_lock"
	}
	if out.Code != 0 {
		return "coded"
	}
	return "error"
}
