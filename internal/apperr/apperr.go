// Package apperr defines the error taxonomy shared by the review pipeline.
//
// Every error type reports a Kind so callers at the edges (HTTP handlers,
// the CLI, the ingest job runner) can decide between retrying, reporting a
// no-op, or surfacing a failure without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindAlreadyProcessed   = "already_processed"
	KindConflict           = "conflict"
	KindUpstreamExtraction = "upstream_extraction"
	KindUpstreamLookup     = "upstream_lookup"
	KindUpstreamWrite      = "upstream_write"
)

// Kinded is implemented by every error in this package.
type Kinded interface {
	error
	Kind() string
}

// ValidationError indicates a malformed or incomplete candidate or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Kind implements Kinded.
func (e *ValidationError) Kind() string { return KindValidation }

// NotFoundError indicates an operation referenced an unknown item, group,
// job or entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind implements Kinded.
func (e *NotFoundError) Kind() string { return KindNotFound }

// AlreadyProcessedError indicates a transition was attempted on an item that
// already reached a terminal state.
type AlreadyProcessedError struct {
	ItemID string
	State  string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("queue item %s already processed (%s)", e.ItemID, e.State)
}

// Kind implements Kinded.
func (e *AlreadyProcessedError) Kind() string { return KindAlreadyProcessed }

// ConflictError records a concurrent duplicate-creation race. The applier
// resolves it by reusing the winner, so it is reported rather than returned.
type ConflictError struct {
	EntityType string
	NameKey    string
	WinnerID   string
}

func (e *ConflictError) Error() string {
	if e.WinnerID == "" {
		return fmt.Sprintf("concurrent creation of %s %q", e.EntityType, e.NameKey)
	}
	return fmt.Sprintf("concurrent creation of %s %q resolved to %s", e.EntityType, e.NameKey, e.WinnerID)
}

// Kind implements Kinded.
func (e *ConflictError) Kind() string { return KindConflict }

// UpstreamExtractionError indicates the external extractor failed. Retryable.
type UpstreamExtractionError struct {
	Cause error
}

func (e *UpstreamExtractionError) Error() string {
	return fmt.Sprintf("extraction service unavailable: %v", e.Cause)
}

func (e *UpstreamExtractionError) Unwrap() error { return e.Cause }

// Kind implements Kinded.
func (e *UpstreamExtractionError) Kind() string { return KindUpstreamExtraction }

// UpstreamLookupError indicates a registry read failed or timed out. Retryable.
type UpstreamLookupError struct {
	Op    string
	Cause error
}

func (e *UpstreamLookupError) Error() string {
	return fmt.Sprintf("registry lookup %s failed: %v", e.Op, e.Cause)
}

func (e *UpstreamLookupError) Unwrap() error { return e.Cause }

// Kind implements Kinded.
func (e *UpstreamLookupError) Kind() string { return KindUpstreamLookup }

// UpstreamWriteError indicates a registry write failed or timed out. Retryable.
type UpstreamWriteError struct {
	Op    string
	Cause error
}

func (e *UpstreamWriteError) Error() string {
	return fmt.Sprintf("registry write %s failed: %v", e.Op, e.Cause)
}

func (e *UpstreamWriteError) Unwrap() error { return e.Cause }

// Kind implements Kinded.
func (e *UpstreamWriteError) Kind() string { return KindUpstreamWrite }

// KindOf returns the kind of the first Kinded error in err's chain, or "".
func KindOf(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// Retryable reports whether repeating the same operation may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamExtraction, KindUpstreamLookup, KindUpstreamWrite:
		return true
	}
	return false
}

// IsNoop reports whether err signals a stale view rather than a failure.
func IsNoop(err error) bool {
	switch KindOf(err) {
	case KindAlreadyProcessed, KindNotFound:
		return true
	}
	return false
}
