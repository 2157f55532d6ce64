package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/autopilot/internal/scheduler"
)

// BreakerConfig configures the circuit breaker around a worker.
type BreakerConfig struct {
	Threshold uint32        // Consecutive worker errors before the breaker opens (default 5)
	Cooldown  time.Duration // How long the breaker stays open before probing (default 30s)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// ResilientWorker guards a Worker with a circuit breaker. Only worker errors
// (the worker could not run the task) count against the breaker; a task that
// ran and reported failure is a normal outcome. While the breaker is open,
// Dispatch fails fast and the loop records an ordinary task failure.
type ResilientWorker struct {
	next Worker
	cb   *gobreaker.CircuitBreaker
}

// NewResilientWorker wraps next in a breaker named name.
func NewResilientWorker(next Worker, name string, cfg BreakerConfig, logger *slog.Logger) *ResilientWorker {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // One probe in half-open state; dispatch is sequential anyway
		Interval:    0, // Don't clear counts automatically
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("worker circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and per-task timeouts are not the worker's fault
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &ResilientWorker{next: next, cb: cb}
}

func (w *ResilientWorker) Dispatch(ctx context.Context, task scheduler.Task) (Result, error) {
	out, err := w.cb.Execute(func() (interface{}, error) {
		return w.next.Dispatch(ctx, task)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("worker unavailable: %w", err)
	}
	res, _ := out.(Result)
	return res, err
}

// State reports the breaker state.
func (w *ResilientWorker) State() gobreaker.State {
	return w.cb.State()
}
