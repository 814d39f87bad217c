package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var validate = validator.New()

// Config holds coordinator configuration.
type Config struct {
	// MaxConcurrency bounds the number of fetches in flight per batch.
	// Zero launches every fetch at once.
	MaxConcurrency int

	// Timeout is the per-batch deadline. On expiry the batch is delivered
	// with unfinished items reported as timeout failures. Zero disables it.
	Timeout time.Duration

	// Dispatcher runs the completion callback (default: GoDispatcher).
	Dispatcher Dispatcher
}

// DefaultConfig returns an unbounded, timeout-free configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 0,
		Timeout:        0,
		Dispatcher:     GoDispatcher{},
	}
}

// Coordinator fans a list of identifiers out to a Fetcher and aggregates
// the outcomes. A Coordinator is safe for concurrent use; every Run call
// owns its own state.
type Coordinator struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(fetcher Fetcher, config Config, logger zerolog.Logger) *Coordinator {
	if config.MaxConcurrency < 0 {
		config.MaxConcurrency = 0
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}
	if config.Dispatcher == nil {
		config.Dispatcher = GoDispatcher{}
	}

	return &Coordinator{
		fetcher: fetcher,
		config:  config,
		logger:  logger.With().Str("component", "batch").Logger(),
	}
}

// Run starts one batch. onDone is dispatched exactly once with the
// aggregated result unless the batch is cancelled first, in which case it
// is never called. Run never blocks on the fetches themselves.
//
// Cancelling ctx has the same effect as calling Cancel on the handle.
func (c *Coordinator) Run(ctx context.Context, identifiers []string, onDone func(Result)) (*Handle, error) {
	if onDone == nil {
		return nil, ErrNilCallback
	}
	if c == nil || c.fetcher == nil {
		return nil, ErrNilFetcher
	}

	ids := append([]string(nil), identifiers...)
	state := newBatchState(uuid.NewString(), ids)
	batchCtx, cancel := context.WithCancel(ctx)

	h := &Handle{
		state:  state,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With().Str("batch_id", state.id).Logger(),
	}

	batchesInFlight.Inc()
	h.logger.Info().
		Int("total", len(ids)).
		Int("max_concurrency", c.config.MaxConcurrency).
		Dur("timeout", c.config.Timeout).
		Msg("Starting batch")

	if len(ids) == 0 {
		close(h.done)
		if result, ok := state.completeEmpty(); ok {
			c.deliver(h, result, onDone)
		}
		return h, nil
	}

	// Malformed identifiers fail fast and are never launched.
	requests := make([]Request, 0, len(ids))
	for i, id := range ids {
		if err := validate.Var(id, "required,http_url"); err != nil {
			h.logger.Debug().
				Int("index", i).
				Str("identifier", id).
				Msg("Rejecting malformed identifier")
			fe := NewFetchError(KindBadIdentifier, id, fmt.Errorf("%w: %v", ErrBadIdentifier, err))
			if result, ok := state.record(Failed(i, fe)); ok {
				c.deliver(h, result, onDone)
			}
			continue
		}
		requests = append(requests, Request{Index: i, Identifier: id})
	}

	if len(requests) == 0 {
		close(h.done)
		return h, nil
	}

	h.mu.Lock()
	h.stopParent = context.AfterFunc(ctx, func() { h.Cancel() })
	if c.config.Timeout > 0 {
		h.timer = time.AfterFunc(c.config.Timeout, func() {
			if result, ok := state.expire(); ok {
				h.logger.Warn().
					Dur("timeout", c.config.Timeout).
					Msg("Batch timeout expired, delivering partial result")
				c.deliver(h, result, onDone)
			}
		})
	}
	h.mu.Unlock()

	var sem *semaphore.Weighted
	if c.config.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(c.config.MaxConcurrency))
	}

	var wg sync.WaitGroup
	for _, req := range requests {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(batchCtx, 1); err != nil {
					// Parent cancellation reaches batchCtx before the AfterFunc runs.
					if ctx.Err() != nil {
						h.Cancel()
						return
					}
					if result, ok := state.record(Failed(req.Index, NewFetchError(KindOf(err), req.Identifier, err))); ok {
						c.deliver(h, result, onDone)
					}
					return
				}
				defer sem.Release(1)
			}

			outcome := c.fetchOne(batchCtx, req)

			// The caller went away while this fetch was running.
			if ctx.Err() != nil {
				h.Cancel()
				return
			}

			if result, ok := state.record(outcome); ok {
				c.deliver(h, result, onDone)
			}
		}(req)
	}

	go func() {
		wg.Wait()
		close(h.done)
	}()

	return h, nil
}

// fetchOne runs the fetcher for req, converting a panic into a failure so
// that every request produces exactly one outcome.
func (c *Coordinator) fetchOne(ctx context.Context, req Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Int("index", req.Index).
				Str("identifier", req.Identifier).
				Interface("panic", r).
				Msg("Fetcher panicked")
			outcome = Failed(req.Index, NewFetchError(KindTransport, req.Identifier, fmt.Errorf("%w: %v", ErrFetcherPanic, r)))
		}
	}()

	outcome = c.fetcher.Fetch(ctx, req)
	outcome.Index = req.Index
	return outcome
}

// deliver is called by the single caller that completed the batch.
func (c *Coordinator) deliver(h *Handle, result Result, onDone func(Result)) {
	h.release()

	status := "complete"
	if result.TimedOut {
		status = "timeout"
	}
	batchesTotal.WithLabelValues(status).Inc()
	batchDuration.Observe(result.Duration.Seconds())
	batchesInFlight.Dec()

	fetchOutcomesTotal.WithLabelValues("ok").Add(float64(result.Len()))
	for kind, n := range result.FailuresByKind() {
		fetchOutcomesTotal.WithLabelValues(string(kind)).Add(float64(n))
	}

	h.logger.Info().
		Int("total", result.Total).
		Int("succeeded", result.Len()).
		Int("failed", result.FailureCount()).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("Batch complete")

	c.config.Dispatcher.Dispatch(func() { onDone(result) })
}

// Handle controls a running batch.
type Handle struct {
	state  *batchState
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger

	mu         sync.Mutex
	timer      *time.Timer
	stopParent func() bool
}

// ID returns the batch identifier.
func (h *Handle) ID() string {
	return h.state.id
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	status, _, _ := h.state.snapshot()
	return status
}

// Progress returns how many outcomes have been recorded out of the total.
func (h *Handle) Progress() (completed, total int) {
	_, completed, total = h.state.snapshot()
	return completed, total
}

// Done is closed once every fetch goroutine of the batch has returned.
// Delivery never waits on it.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel stops in-flight fetches and suppresses the completion callback.
// It returns true only for the call that cancelled the batch; calling it
// again, or after completion, has no effect.
func (h *Handle) Cancel() bool {
	if !h.state.cancel() {
		return false
	}
	h.release()

	batchesTotal.WithLabelValues("cancelled").Inc()
	batchesInFlight.Dec()

	_, completed, total := h.state.snapshot()
	h.logger.Info().
		Int("completed", completed).
		Int("total", total).
		Msg("Batch cancelled")
	return true
}

// release stops the timeout timer, detaches from the parent context and
// cancels whatever is still in flight.
func (h *Handle) release() {
	h.mu.Lock()
	timer, stopParent := h.timer, h.stopParent
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stopParent != nil {
		stopParent()
	}
	h.cancel()
}
