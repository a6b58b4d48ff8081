// Package transfer moves batches of independent file payloads with bounded
// concurrency and early abort once failures exceed a margin.
package transfer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Result is the outcome of a single item transfer.
type Result int

const (
	// NotStarted means the transfer has not run yet (or was cancelled before starting).
	NotStarted Result = iota
	// Success means the payload was copied.
	Success
	// Failure means the copy was attempted and failed.
	Failure
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "not-started"
	}
}

// Item is one (source, destination) pair in a batch. The engine mutates
// Result and Err; items are discarded after the batch.
type Item struct {
	Source      string
	Destination string
	Result      Result
	Err         error
}

// CopyFunc copies a single payload. The direction (local to remote root or
// the reverse) is baked in by the caller.
type CopyFunc func(ctx context.Context, source, destination string) error

const minFailureMargin = 10

// failureMargin computes how many failures a batch tolerates before the
// remaining transfers are aborted: max(10, n/4).
func failureMargin(items int) int64 {
	margin := int64(items / 4)
	if margin < minFailureMargin {
		margin = minFailureMargin
	}
	return margin
}

// Engine transfers batches of items using a copy function.
type Engine struct {
	copy          CopyFunc
	maxConcurrent int64
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrent caps the number of in-flight transfers. Zero or negative
// means unlimited.
func WithMaxConcurrent(n int64) Option {
	return func(e *Engine) {
		e.maxConcurrent = n
	}
}

// WithRateLimit throttles transfer starts to the given per-second rate.
func WithRateLimit(perSecond float64) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates a transfer engine around a copy function.
func New(copy CopyFunc, opts ...Option) *Engine {
	engine := &Engine{
		copy:   copy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Transfer runs the batch to completion, retrying failed items in whole
// passes as long as the failure count strictly decreases between passes.
// It returns the number of items still failed when it gives up, zero on
// full success. Transfers already completed are never rolled back.
func (e *Engine) Transfer(ctx context.Context, items []*Item) int {
	failures := 0
	for {
		fails := e.pass(ctx, items)
		if ctx.Err() != nil {
			return FailedCount(items)
		}
		if fails == 0 {
			return 0
		}

		noProgress := fails == failures
		failures = fails
		if noProgress {
			e.logger.Debug("transfer batch giving up", "failures", failures, "items", len(items))
			return failures
		}
		e.logger.Debug("retrying transfer batch", "failures", failures, "items", len(items))
	}
}

// pass issues one transfer attempt for every non-succeeded item and waits for
// the batch. Once failures exceed the margin, outstanding transfers are
// cancelled; items cancelled before starting remain NotStarted and are
// retried on the next pass.
func (e *Engine) pass(ctx context.Context, items []*Item) int {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	margin := failureMargin(len(items))
	maxConcurrent := e.maxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = int64(len(items)) + 1
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	var (
		failures atomic.Int64
		wg       sync.WaitGroup
	)

	for _, item := range items {
		if item.Result == Success {
			continue
		}
		item.Result = NotStarted
		item.Err = nil

		if err := sem.Acquire(passCtx, 1); err != nil {
			// Batch aborted; unstarted items stay NotStarted.
			break
		}

		wg.Add(1)
		go func(it *Item) {
			defer wg.Done()
			defer sem.Release(1)

			if e.limiter != nil {
				if err := e.limiter.Wait(passCtx); err != nil {
					return
				}
			}

			if err := e.copy(passCtx, it.Source, it.Destination); err != nil {
				it.Result = Failure
				it.Err = err
				e.logger.Debug("transfer failed", "source", it.Source, "destination", it.Destination, "error", err)
				if failures.Add(1) > margin {
					cancel()
				}
				return
			}
			it.Result = Success
		}(item)
	}

	wg.Wait()
	return int(failures.Load())
}

// FailedCount returns the number of items in a batch that are not Success.
func FailedCount(items []*Item) int {
	count := 0
	for _, item := range items {
		if item.Result != Success {
			count++
		}
	}
	return count
}
