// Package grid is a headless image grid that consumes batch results.
//
// A Grid exposes no items while a batch is loading. The batch result is
// applied by a callback running on the grid's own serial queue, so readers
// observe either the previous items or the complete new set, never a
// partial one. Consumers drive the queue with Run or Drain.
package grid

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/Sternrassler/gridfetch/pkg/batch"
	"github.com/Sternrassler/gridfetch/pkg/imaging"
	"github.com/Sternrassler/gridfetch/pkg/source"
	"github.com/rs/zerolog"
)

// FailurePolicy decides how failed items are surfaced.
type FailurePolicy string

const (
	// PolicySilent shows the successful subset without an alert.
	PolicySilent FailurePolicy = "silent"

	// PolicyAlert records an Alert whenever at least one item failed.
	PolicyAlert FailurePolicy = "alert"
)

// ErrUnknownPolicy is returned by ParseFailurePolicy for unsupported names.
var ErrUnknownPolicy = errors.New("unknown failure policy")

// ParseFailurePolicy parses a policy name. An empty name selects PolicySilent.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySilent:
		return PolicySilent, nil
	case PolicyAlert:
		return PolicyAlert, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Item is one cell of the grid.
type Item struct {
	// Index is the position of the image in the batch input.
	Index      int
	Identifier string
	Payload    []byte

	// Info is zero when the payload is not a decodable image.
	Info imaging.Info
}

// Alert summarises the failures of the last applied batch.
type Alert struct {
	Failed   int
	Total    int
	ByKind   map[batch.ErrorKind]int
	TimedOut bool
	Message  string
}

// Snapshot is a consistent copy of the grid state.
type Snapshot struct {
	Items   []Item
	Busy    bool
	Alert   *Alert
	BatchID string
}

// Config holds grid configuration.
type Config struct {
	Batch         batch.Config
	FailurePolicy FailurePolicy
}

// Grid loads batches of images and holds the last applied result.
type Grid struct {
	coord  *batch.Coordinator
	queue  *batch.Queue
	policy FailurePolicy
	logger zerolog.Logger

	mu         sync.Mutex
	items      []Item
	busy       bool
	alert      *Alert
	batchID    string
	handle     *batch.Handle
	generation uint64
}

// New creates a grid that fetches with fetcher. Completion callbacks are
// always dispatched onto the grid's queue, whatever cfg.Batch.Dispatcher says.
func New(fetcher batch.Fetcher, cfg Config, logger zerolog.Logger) *Grid {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicySilent
	}

	queue := batch.NewQueue()
	cfg.Batch.Dispatcher = queue

	return &Grid{
		coord:  batch.NewCoordinator(fetcher, cfg.Batch, logger),
		queue:  queue,
		policy: cfg.FailurePolicy,
		logger: logger.With().Str("component", "grid").Logger(),
	}
}

// Load resolves identifiers from provider and starts a batch for them.
// The grid is busy until the batch result is applied; a previous batch
// still in flight is cancelled. Load returns without waiting for fetches.
func (g *Grid) Load(ctx context.Context, provider source.Provider) (*batch.Handle, error) {
	g.mu.Lock()
	g.generation++
	gen := g.generation
	previous := g.handle
	g.handle = nil
	g.busy = true
	g.mu.Unlock()

	if previous != nil && previous.Cancel() {
		g.logger.Debug().Str("batch_id", previous.ID()).Msg("Superseded in-flight batch")
	}

	ids, err := provider.Identifiers(ctx)
	if err != nil {
		g.fail(gen, err)
		return nil, fmt.Errorf("resolve identifiers: %w", err)
	}

	h, err := g.coord.Run(ctx, ids, func(r batch.Result) {
		g.apply(gen, ids, r)
	})
	if err != nil {
		g.fail(gen, err)
		return nil, fmt.Errorf("start batch: %w", err)
	}

	g.mu.Lock()
	current := g.generation == gen
	if current {
		g.handle = h
		g.batchID = h.ID()
	}
	g.mu.Unlock()

	// Another Load or Cancel ran while identifiers were resolving.
	if !current {
		h.Cancel()
		g.logger.Debug().Str("batch_id", h.ID()).Msg("Batch superseded before it was tracked")
		return h, nil
	}

	g.logger.Info().
		Str("batch_id", h.ID()).
		Int("total", len(ids)).
		Msg("Loading grid")

	return h, nil
}

// apply installs a batch result. It runs on the grid queue.
func (g *Grid) apply(gen uint64, ids []string, r batch.Result) {
	items := make([]Item, 0, r.Len())
	for i, payload := range r.Payloads {
		idx := r.Indices[i]
		item := Item{Index: idx, Identifier: ids[idx], Payload: payload}
		if info, err := imaging.Inspect(payload); err == nil {
			item.Info = info
		}
		items = append(items, item)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.generation {
		// Cancelled or superseded while the callback was queued.
		return
	}

	g.items = items
	g.busy = false
	g.handle = nil
	g.batchID = r.BatchID
	g.alert = AlertFor(g.policy, r)

	g.logger.Info().
		Str("batch_id", r.BatchID).
		Int("items", len(items)).
		Int("failed", r.FailureCount()).
		Msg("Grid updated")
}

// AlertFor returns the alert policy raises for r, or nil when the batch had
// no failures or failures are silent.
func AlertFor(policy FailurePolicy, r batch.Result) *Alert {
	if r.FailureCount() == 0 || policy != PolicyAlert {
		return nil
	}

	msg := fmt.Sprintf("%d of %d images could not be loaded", r.FailureCount(), r.Total)
	if r.TimedOut {
		msg += " (timed out)"
	}
	return &Alert{
		Failed:   r.FailureCount(),
		Total:    r.Total,
		ByKind:   r.FailuresByKind(),
		TimedOut: r.TimedOut,
		Message:  msg,
	}
}

// fail clears the busy state after Load could not start a batch.
func (g *Grid) fail(gen uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.generation {
		return
	}

	g.busy = false
	if g.policy == PolicyAlert {
		g.alert = &Alert{Message: err.Error()}
	}
	g.logger.Warn().Err(err).Msg("Grid load failed")
}

// Cancel cancels the in-flight batch, if any, and clears the busy state.
// The previously applied items stay visible.
func (g *Grid) Cancel() bool {
	g.mu.Lock()
	h := g.handle
	g.handle = nil
	g.busy = false
	g.generation++
	g.mu.Unlock()

	if h == nil {
		return false
	}
	return h.Cancel()
}

// Snapshot returns a copy of the current state. It never waits on a batch.
func (g *Grid) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		Items:   append([]Item(nil), g.items...),
		Busy:    g.busy,
		BatchID: g.batchID,
	}
	if g.alert != nil {
		alert := *g.alert
		alert.ByKind = maps.Clone(g.alert.ByKind)
		s.Alert = &alert
	}
	return s
}

// Len returns the number of items currently shown.
func (g *Grid) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// DismissAlert clears the current alert.
func (g *Grid) DismissAlert() {
	g.mu.Lock()
	g.alert = nil
	g.mu.Unlock()
}

// Run applies batch results until ctx is done.
func (g *Grid) Run(ctx context.Context) error {
	return g.queue.Run(ctx)
}

// Drain applies every pending batch result and returns how many ran.
func (g *Grid) Drain() int {
	return g.queue.Drain()
}

// Notify signals that a batch result is waiting to be applied.
func (g *Grid) Notify() <-chan struct{} {
	return g.queue.Notify()
}
