package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("approving item: %w", &AlreadyProcessedError{ItemID: "q1", State: "rejected"})
	if got := KindOf(err); got != KindAlreadyProcessed {
		t.Errorf("KindOf = %q, want %q", got, KindAlreadyProcessed)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for plain error")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"extraction", &UpstreamExtractionError{Cause: errors.New("503")}, true},
		{"lookup timeout", &UpstreamLookupError{Op: "find", Cause: context.DeadlineExceeded}, true},
		{"write", fmt.Errorf("wrap: %w", &UpstreamWriteError{Op: "create", Cause: errors.New("locked")}), true},
		{"validation", &ValidationError{Field: "date", Reason: "required"}, false},
		{"conflict", &ConflictError{EntityType: "venue", NameKey: "the snug"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNoop(t *testing.T) {
	if !IsNoop(&NotFoundError{Resource: "queue item", ID: "x"}) {
		t.Error("NotFoundError should be a no-op")
	}
	if !IsNoop(&AlreadyProcessedError{ItemID: "x", State: "approved"}) {
		t.Error("AlreadyProcessedError should be a no-op")
	}
	if IsNoop(&UpstreamWriteError{Op: "create", Cause: errors.New("x")}) {
		t.Error("UpstreamWriteError should not be a no-op")
	}
}

func TestUpstreamUnwrap(t *testing.T) {
	err := &UpstreamLookupError{Op: "list", Cause: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected errors.Is to reach the cause")
	}
}
