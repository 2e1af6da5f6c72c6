// Package faults defines the error kinds shared by the indexing and
// retrieval paths.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnauthorized marks collaborator failures caused by missing or rejected
// credentials. Jobs failing with it are not retried.
var ErrUnauthorized = errors.New("unauthorized")

// EmbeddingError is returned when the embedding provider rejects or times out
// on a single text unit.
type EmbeddingError struct {
	Path  string // empty for query embeddings
	Cause error
}

func (e *EmbeddingError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("embedding %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("embedding: %v", e.Cause)
}

func (e *EmbeddingError) Unwrap() error { return e.Cause }

// StoreWriteError is returned when upserting a batch fails. Batch is the
// zero-based index of the failing batch within the run.
type StoreWriteError struct {
	Batch int
	Cause error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("vector store write (batch %d): %v", e.Batch, e.Cause)
}

func (e *StoreWriteError) Unwrap() error { return e.Cause }

// StoreQueryError is returned when a nearest-neighbour query fails.
type StoreQueryError struct {
	Cause error
}

func (e *StoreQueryError) Error() string {
	return fmt.Sprintf("vector store query: %v", e.Cause)
}

func (e *StoreQueryError) Unwrap() error { return e.Cause }

// StatusError is a non-2xx response from an HTTP collaborator.
type StatusError struct {
	Op     string
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Status, e.Body)
}

// Permanent reports whether err carries a client error status that
// retrying cannot fix (4xx except 408 and 429).
func Permanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != 408 && se.Code != 429
}

// Unauthorized wraps cause so that errors.Is(err, ErrUnauthorized) holds.
func Unauthorized(cause error) error {
	if cause == nil {
		return ErrUnauthorized
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, cause)
}

// Retryable reports whether err is worth retrying. Authorization failures,
// caller cancellation, client-side status errors (4xx except 408 and 429)
// and network errors other than timeouts are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return !Permanent(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Anything untyped is treated as transient. Providers report HTTP
	// failures as *StatusError, so message text is never inspected.
	return true
}
