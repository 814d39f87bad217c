package batch

import (
	"context"
	"time"
)

// Request is one unit of work in a batch.
type Request struct {
	// Index is the position of Identifier in the input sequence.
	Index int

	// Identifier is the URL to fetch.
	Identifier string
}

// Outcome is the result of fetching a single Request.
// A nil Err means success and Payload holds the fetched bytes.
type Outcome struct {
	Index   int
	Payload []byte
	Err     error
}

// Succeeded returns a successful outcome.
func Succeeded(index int, payload []byte) Outcome {
	return Outcome{Index: index, Payload: payload}
}

// Failed returns a failed outcome.
func Failed(index int, err error) Outcome {
	return Outcome{Index: index, Err: err}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Kind returns the failure reason, or "" for a success.
func (o Outcome) Kind() ErrorKind {
	return KindOf(o.Err)
}

// Fetcher fetches a single identifier. Returning from Fetch is the
// completion signal, so every call completes exactly once. Implementations
// should return a cancelled failure when ctx is done.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) Outcome
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) Outcome

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

// Failure describes one failed item of a batch.
type Failure struct {
	Index      int
	Identifier string
	Kind       ErrorKind
	Err        error
}

// Result is the terminal, immutable snapshot delivered once per batch.
type Result struct {
	BatchID string

	// Total is the number of identifiers the batch was started with.
	Total int

	// Payloads holds successful payloads in input order.
	Payloads [][]byte

	// Indices holds the input index of each entry in Payloads.
	Indices []int

	// Failures holds failed items in input order.
	Failures []Failure

	// TimedOut is set when the batch timeout expired before every fetch finished.
	TimedOut bool

	Duration time.Duration
}

// Len returns the number of successful payloads.
func (r Result) Len() int {
	return len(r.Payloads)
}

// FailureCount returns the number of failed items.
func (r Result) FailureCount() int {
	return len(r.Failures)
}

// FailuresByKind counts failures per reason.
func (r Result) FailuresByKind() map[ErrorKind]int {
	counts := make(map[ErrorKind]int, len(r.Failures))
	for _, f := range r.Failures {
		counts[f.Kind]++
	}
	return counts
}
