package batch

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the coordinator.
var (
	// ErrNilCallback is returned by Run when no completion callback is given.
	ErrNilCallback = errors.New("completion callback is required")

	// ErrNilFetcher is returned by Run when the coordinator has no fetcher.
	ErrNilFetcher = errors.New("fetcher is required")

	// ErrBadIdentifier marks an identifier that is not an absolute http(s) URL.
	ErrBadIdentifier = errors.New("bad identifier")

	// ErrFetcherPanic is recorded when a fetcher panics instead of returning.
	ErrFetcherPanic = errors.New("fetcher panicked")

	// ErrTimeout is recorded for requests still in flight when the batch timeout expires.
	ErrTimeout = errors.New("batch timeout expired")
)

// ErrorKind classifies why a single fetch failed.
type ErrorKind string

const (
	// KindBadIdentifier is a malformed identifier; the request is never launched.
	KindBadIdentifier ErrorKind = "bad_identifier"

	// KindTransport is a network-level failure.
	KindTransport ErrorKind = "transport"

	// KindServerError is a non-2xx response.
	KindServerError ErrorKind = "server_error"

	// KindDecode is a payload that could not be interpreted as the expected content.
	KindDecode ErrorKind = "decode_error"

	// KindCancelled is a fetch stopped by cancellation.
	KindCancelled ErrorKind = "cancelled"

	// KindTimeout is a fetch that did not finish before its deadline.
	KindTimeout ErrorKind = "timeout"
)

// FetchError is a classified per-item failure.
type FetchError struct {
	Kind       ErrorKind
	Identifier string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Identifier, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a FetchError for the given identifier.
func NewFetchError(kind ErrorKind, identifier string, err error) *FetchError {
	return &FetchError{Kind: kind, Identifier: identifier, Err: err}
}

// KindOf reports the ErrorKind of err. Untyped errors are treated as
// transport failures, except context errors which map to cancelled/timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}

	switch {
	case errors.Is(err, ErrBadIdentifier):
		return KindBadIdentifier
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindTransport
	}
}
