// Package circuitbreaker guards the Kafka and SQLite call paths against a
// cascading outage: after MaxFailures consecutive failures it fast-fails
// for ResetTimeout before probing the dependency again.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker fast-fails a call.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker's tunables.
type Config struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// Breaker implements a minimal closed/open/half-open circuit breaker
// around an arbitrary operation.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	recentFails int
	openedAt    time.Time

	probe func(ctx context.Context) error
}

// New constructs a Breaker. probe may be nil, in which case a half-open
// trial goes straight to running the operation.
func New(name string, cfg Config, logger *slog.Logger, probe func(ctx context.Context) error) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{name: name, cfg: cfg, logger: logger, state: Closed, probe: probe}
	b.logger.Info("breaker_created", slog.String("name", name), slog.Int("max_failures", cfg.MaxFailures), slog.Duration("reset_timeout", cfg.ResetTimeout))
	return b
}

// Execute runs op, recording its outcome against the breaker's state.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	if state == Open {
		if time.Since(openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		return b.tryProbeThenOp(ctx, op)
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	b.onFailure(err)
	return err
}

// State reports the breaker's current state, for health/status reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) tryProbeThenOp(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.state = HalfOpen
	b.mu.Unlock()
	b.logger.Info("breaker_probe_start", slog.String("name", b.name))

	if b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.reopen()
			return ErrOpen
		}
	}

	if err := op(ctx); err != nil {
		b.reopen()
		return err
	}

	b.mu.Lock()
	b.state = Closed
	b.recentFails = 0
	b.mu.Unlock()
	b.logger.Info("breaker_closed_after_probe", slog.String("name", b.name))
	return nil
}

func (b *Breaker) reopen() {
	b.mu.Lock()
	b.state = Open
	b.openedAt = time.Now()
	b.mu.Unlock()
	b.logger.Warn("breaker_reopened", slog.String("name", b.name))
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.recentFails = 0
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	if b.recentFails >= b.cfg.MaxFailures {
		b.state = Open
		b.openedAt = time.Now()
		b.logger.Error("breaker_opened", slog.String("name", b.name), slog.Int("failures", b.recentFails), slog.Any("err", err))
	}
}
