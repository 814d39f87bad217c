package batch

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a batch.
type Status int

const (
	// StatusPending means some outcomes are still outstanding.
	StatusPending Status = iota

	// StatusComplete means the result has been built and handed to the dispatcher.
	StatusComplete

	// StatusCancelled means the batch was cancelled and will never deliver.
	StatusCancelled
)

// String returns the status name used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// batchState is the only state shared between fetch goroutines.
// Every field is guarded by mu.
type batchState struct {
	mu sync.Mutex

	id          string
	identifiers []string
	started     time.Time

	total     int
	completed int
	outcomes  []Outcome
	filled    []bool
	status    Status
	timedOut  bool
}

func newBatchState(id string, identifiers []string) *batchState {
	return &batchState{
		id:          id,
		identifiers: identifiers,
		started:     time.Now(),
		total:       len(identifiers),
		outcomes:    make([]Outcome, len(identifiers)),
		filled:      make([]bool, len(identifiers)),
	}
}

// record stores o in its slot. It returns the built result and true only for
// the call that moves the batch from pending to complete.
func (s *batchState) record(o Outcome) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPending {
		return Result{}, false
	}
	if o.Index < 0 || o.Index >= s.total || s.filled[o.Index] {
		return Result{}, false
	}

	s.outcomes[o.Index] = o
	s.filled[o.Index] = true
	s.completed++

	if s.completed < s.total {
		return Result{}, false
	}

	s.status = StatusComplete
	return s.buildLocked(), true
}

// expire fills every open slot with a timeout failure and completes the batch.
func (s *batchState) expire() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPending {
		return Result{}, false
	}

	for i := range s.outcomes {
		if s.filled[i] {
			continue
		}
		s.outcomes[i] = Failed(i, NewFetchError(KindTimeout, s.identifiers[i], ErrTimeout))
		s.filled[i] = true
		s.completed++
	}

	s.status = StatusComplete
	s.timedOut = true
	return s.buildLocked(), true
}

// completeEmpty completes a batch that was started with no identifiers.
func (s *batchState) completeEmpty() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPending || s.total != 0 {
		return Result{}, false
	}
	s.status = StatusComplete
	return s.buildLocked(), true
}

// cancel moves a pending batch to cancelled.
func (s *batchState) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPending {
		return false
	}
	s.status = StatusCancelled
	return true
}

func (s *batchState) snapshot() (Status, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.completed, s.total
}

// buildLocked scans the slots in index order. Callers must hold mu.
func (s *batchState) buildLocked() Result {
	result := Result{
		BatchID:  s.id,
		Total:    s.total,
		Payloads: make([][]byte, 0, s.total),
		Indices:  make([]int, 0, s.total),
		TimedOut: s.timedOut,
		Duration: time.Since(s.started),
	}

	for i, o := range s.outcomes {
		if o.OK() {
			result.Payloads = append(result.Payloads, o.Payload)
			result.Indices = append(result.Indices, i)
			continue
		}
		result.Failures = append(result.Failures, Failure{
			Index:      i,
			Identifier: s.identifiers[i],
			Kind:       o.Kind(),
			Err:        o.Err,
		})
	}

	return result
}
