package policy

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coverage pipeline. Callers discriminate with
// errors.Is; typed errors below add per-occurrence detail via errors.As.
var (
	// ErrUnknownKind is returned when a stored or LLM-produced kind is not
	// in the closed taxonomy.
	ErrUnknownKind = errors.New("unknown chunk kind")

	// ErrProviderUnavailable marks retriable provider failures (network,
	// 5xx, rate limit). The retry policy in internal/llm and the agent
	// handle it; unrecovered it escalates to a turn failure.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInputTooLarge marks a provider input over its hard limit. The
	// chunker guarantees inputs stay under provider limits, so hitting
	// this indicates a configuration bug; it is never retried.
	ErrInputTooLarge = errors.New("input too large for provider")

	// ErrDimensionMismatch is fatal: an embedding's length differs from
	// the store's declared dimension. Misconfiguration, not data.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreConflict rejects a second concurrent ingestion for the same
	// policy.
	ErrStoreConflict = errors.New("ingestion already in progress for policy")

	// ErrPolicyIsolation is fatal: a retrieval result crossed a policy
	// boundary. This is an invariant breach and must crash loudly.
	ErrPolicyIsolation = errors.New("policy isolation violation")

	// ErrNotFound is returned by point lookups for missing records.
	ErrNotFound = errors.New("not found")

	// ErrSessionBusy rejects a turn while the session's previous turn is
	// still streaming.
	ErrSessionBusy = errors.New("session has a turn in flight")

	// ErrPolicyMismatch rejects a request whose claimed policy differs
	// from the session's bound policy.
	ErrPolicyMismatch = errors.New("session is bound to a different policy")
)

// ExtractionError records a page the extractor could not read. The
// pipeline treats these as holes: the page is skipped, ingestion continues.
type ExtractionError struct {
	Page  int
	Cause error
}

func (e *ExtractionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("extraction failed on page %d: %v", e.Page, e.Cause)
	}
	return fmt.Sprintf("extraction failed: %v", e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// TurnError is a turn-level failure with a stable code, streamed to the
// caller as a trailer event rather than opaque text.
type TurnError struct {
	Code    string
	Message string
	Cause   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// Stable turn error codes.
const (
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeCancelled           = "CANCELLED_BY_DEADLINE"
	CodeGroundingFailure    = "GROUNDING_FAILURE"
	CodeInternal            = "INTERNAL"
)
