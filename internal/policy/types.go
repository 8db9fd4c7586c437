// Package policy defines the core domain types shared by the ingestion
// pipeline, the chunk store, and the coverage agent: chunks, kinds,
// verdicts, and citations.
package policy

import (
	"fmt"
	"time"
)

// =============================================================================
// CHUNK KINDS
// =============================================================================

// Kind is the closed classification taxonomy for policy chunks.
// Every switch over Kind must handle all six values; an unknown kind is a
// load-time error, never a silent fallthrough.
type Kind string

const (
	KindExclusion  Kind = "exclusion"
	KindInclusion  Kind = "inclusion"
	KindDefinition Kind = "definition"
	KindLimitation Kind = "limitation"
	KindProcedure  Kind = "procedure"
	KindGeneral    Kind = "general"
)

// AllKinds lists every valid chunk kind, in a stable order.
var AllKinds = []Kind{
	KindExclusion,
	KindInclusion,
	KindDefinition,
	KindLimitation,
	KindProcedure,
	KindGeneral,
}

// ParseKind converts a stored or LLM-returned string into a Kind.
// Out-of-enum values return an error so callers can fall back explicitly.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindExclusion, KindInclusion, KindDefinition, KindLimitation, KindProcedure, KindGeneral:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Valid reports whether k is one of the six defined kinds.
func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// =============================================================================
// CHUNK
// =============================================================================

// Chunk is the atomic unit of retrieval: a page-bounded slice of policy
// text with a kind, an embedding, and provenance.
// Chunks are immutable once inserted; re-ingesting a policy replaces them.
type Chunk struct {
	ID           string    `json:"id"`
	PolicyID     string    `json:"policy_id"`
	Text         string    `json:"text"`
	Kind         Kind      `json:"kind"`
	PageNumber   int       `json:"page_number"`   // 1-based
	SectionTitle string    `json:"section_title"` // nearest heading above, may be empty
	Position     int       `json:"position"`      // monotonic within policy
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScoredChunk is a retrieval result: a chunk plus its similarity score in
// [0,1], where higher means closer to the query. Scores from different
// queries are not comparable.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// =============================================================================
// VERDICT
// =============================================================================

// Status is the coverage decision for a single query.
type Status string

const (
	StatusCovered     Status = "COVERED"
	StatusNotCovered  Status = "NOT_COVERED"
	StatusConditional Status = "CONDITIONAL"
	StatusUnknown     Status = "UNKNOWN"
)

// Citation is a chunk reference attached to a verdict. Quote is verbatim
// text from the cited chunk; every claim in an answer must trace back to
// one of these.
type Citation struct {
	ChunkID string `json:"chunk_id"`
	Page    int    `json:"page"`
	Section string `json:"section,omitempty"`
	Quote   string `json:"quote"`
	Kind    Kind   `json:"kind"`
}

// Financials carries deductible/cap terms extracted by the financial probe.
type Financials struct {
	Deductible *float64 `json:"deductible,omitempty"`
	Cap        *float64 `json:"cap,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// Verdict is the structured result of one coverage turn.
// Field names are part of the external API and stable across versions.
type Verdict struct {
	Status     Status      `json:"status"`
	Item       string      `json:"item"`
	Reason     string      `json:"reason"`
	Confidence float64     `json:"confidence"`
	Citations  []Citation  `json:"citations"`
	Financials *Financials `json:"financials,omitempty"`
}

// =============================================================================
// INTENT
// =============================================================================

// Intent classifies what the user is asking for.
type Intent string

const (
	IntentCheckCoverage Intent = "check_coverage"
	IntentExplainTerms  Intent = "explain_terms"
	IntentGetLimits     Intent = "get_limits"
	IntentGeneral       Intent = "general"
)
