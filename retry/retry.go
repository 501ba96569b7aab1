// Package retry runs remote operations under exponential backoff guarded by
// a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/dhcgn/imap-archive/source"
	"github.com/dhcgn/imap-archive/stats"
)

const (
	DefaultInitialBackoff   = time.Second
	DefaultMaxBackoff       = 5 * time.Minute
	DefaultMultiplier       = 2.0
	DefaultJitter           = 0.1
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 2 * time.Minute
	DefaultOpTimeout        = 5 * time.Minute
)

type Options struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	Jitter           float64
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
	OpTimeout        time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = DefaultMultiplier
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = DefaultJitter
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = DefaultBreakerCooldown
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	return o
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Policy.Do returns the
// underlying error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case source.IsAuthError(err):
		return false
	case errors.Is(err, source.ErrMessageGone):
		return false
	case source.IsMessageError(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Policy retries one folder's remote calls. Each Policy owns its breaker, so
// failures in one folder never open the circuit for another.
type Policy struct {
	name     string
	opts     Options
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	recorder stats.Recorder
}

func New(name string, opts Options, logger *slog.Logger, recorder stats.Recorder) *Policy {
	opts = opts.withDefaults()
	if recorder == nil {
		recorder = stats.Discard
	}
	p := &Policy{
		name:     name,
		opts:     opts,
		logger:   logger,
		recorder: recorder,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: p.onStateChange,
	})
	return p
}

func (p *Policy) onStateChange(name string, from, to gobreaker.State) {
	if p.logger != nil {
		level := slog.LevelInfo
		if to == gobreaker.StateOpen {
			level = slog.LevelWarn
		}
		p.logger.Log(context.Background(), level, "circuit breaker state changed",
			"folder", name, "from", from.String(), "to", to.String(), "cooldown", p.opts.BreakerCooldown)
	}
	if to == gobreaker.StateOpen {
		p.recorder.Record(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeBreakerOpen, Folder: name})
	}
}

// State returns the current breaker state.
func (p *Policy) State() gobreaker.State {
	return p.breaker.State()
}

// Do calls fn until it succeeds, fails permanently or ctx ends. Every attempt
// runs with its own OpTimeout deadline; an attempt that times out is retried.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.Multiplier = p.opts.Multiplier
	b.RandomizationFactor = p.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		_, err := p.breaker.Execute(func() (interface{}, error) {
			opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
			defer cancel()
			return nil, fn(opCtx)
		})
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.logger != nil {
			p.logger.Warn("operation failed, retrying",
				"folder", p.name, "op", op, "attempt", attempt, "wait", wait.Round(time.Millisecond), "err", err)
		}
		p.recorder.Record(stats.Event{
			Stage:  stats.StageSource,
			Type:   stats.EventTypeRetry,
			Folder: p.name,
			Err:    err,
			Detail: op,
		})
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
