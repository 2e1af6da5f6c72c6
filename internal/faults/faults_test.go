package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestEmbeddingError_Message(t *testing.T) {
	cause := errors.New("quota exceeded")

	withPath := &EmbeddingError{Path: "b/c.txt", Cause: cause}
	if got := withPath.Error(); got != "embedding b/c.txt: quota exceeded" {
		t.Errorf("unexpected message %q", got)
	}

	query := &EmbeddingError{Cause: cause}
	if got := query.Error(); got != "embedding: quota exceeded" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(query, cause) {
		t.Error("expected EmbeddingError to unwrap to its cause")
	}
}

func TestStoreErrors_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")

	var we *StoreWriteError
	err := fmt.Errorf("run: %w", &StoreWriteError{Batch: 2, Cause: cause})
	if !errors.As(err, &we) {
		t.Fatal("expected StoreWriteError via errors.As")
	}
	if we.Batch != 2 {
		t.Errorf("expected batch 2, got %d", we.Batch)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}

	var qe *StoreQueryError
	if !errors.As(&StoreQueryError{Cause: cause}, &qe) {
		t.Fatal("expected StoreQueryError via errors.As")
	}
}

func TestUnauthorized(t *testing.T) {
	err := Unauthorized(errors.New("bad token"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("expected ErrUnauthorized")
	}
	if Unauthorized(nil) != ErrUnauthorized {
		t.Error("expected bare sentinel for nil cause")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unauthorized", Unauthorized(errors.New("x")), false},
		{"wrapped unauthorized", &EmbeddingError{Cause: ErrUnauthorized}, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limited", &StatusError{Op: "openai embed", Code: 429, Status: "429 Too Many Requests"}, true},
		{"server error", &StatusError{Op: "gemini embed", Code: 503, Status: "503 Service Unavailable"}, true},
		{"bad request", &StatusError{Op: "openai embed", Code: 400, Status: "400 Bad Request"}, false},
		{"port in message", errors.New("read tcp 10.0.0.7:4001: connection reset by peer"), true},
		{"untyped 4xx text", errors.New("upstream said 404"), true},
		{"unknown", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{400, true},
		{404, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("wrapped: %w", &StatusError{Op: "embed", Code: tt.code, Status: fmt.Sprint(tt.code)})
		if got := Permanent(err); got != tt.permanent {
			t.Errorf("Permanent(%d) = %v, want %v", tt.code, got, tt.permanent)
		}
		if got := Retryable(err); got == tt.permanent {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, !tt.permanent)
		}
	}
	if Permanent(errors.New("status 400")) {
		t.Error("untyped errors are never permanent")
	}
}
