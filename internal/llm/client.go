// Package llm provides the language-model capability used for chunk
// classification, exclusion/inclusion evaluation, financial extraction,
// and answer composition.
package llm

import (
	"context"

	"policyguard/internal/policy"
)

// =============================================================================
// CLIENT INTERFACE
// =============================================================================

// ExclusionEval is the structured answer of an exclusion probe.
type ExclusionEval struct {
	Excluded   bool    `json:"excluded"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// InclusionEval is the structured answer of an inclusion probe.
type InclusionEval struct {
	Covered    bool    `json:"covered"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// FinancialTerms is the structured answer of the financial probe.
type FinancialTerms struct {
	Deductible *float64 `json:"deductible"`
	Cap        *float64 `json:"cap"`
	Conditions []string `json:"conditions"`
}

// ComposeInput is the structured context handed to the composer. The
// composer may only restate what the citations say; it never decides.
type ComposeInput struct {
	Question   string             `json:"question"`
	Item       string             `json:"item"`
	Status     policy.Status      `json:"status"`
	Reason     string             `json:"reason"`
	Citations  []policy.Citation  `json:"citations"`
	Financials *policy.Financials `json:"financials,omitempty"`
}

// Client is the LLM capability. Structured calls return JSON validated
// against a schema; a non-conforming answer surfaces as an error and the
// caller treats the step as UNKNOWN. Only Compose streams.
type Client interface {
	// ClassifyChunk confirms or overrides a chunk's heuristic kind.
	ClassifyChunk(ctx context.Context, text, heading string) (policy.Kind, error)

	// EvaluateExclusion decides whether chunkText excludes item.
	EvaluateExclusion(ctx context.Context, chunkText, item string) (ExclusionEval, error)

	// EvaluateInclusion decides whether chunkText covers item.
	EvaluateInclusion(ctx context.Context, chunkText, item string) (InclusionEval, error)

	// ExtractFinancials pulls deductible/cap/conditions from chunkText.
	ExtractFinancials(ctx context.Context, chunkText, item string) (FinancialTerms, error)

	// Compose streams the natural-language answer. Tokens arrive on the
	// first channel; a failure arrives on the second and ends the stream.
	Compose(ctx context.Context, in ComposeInput) (<-chan string, <-chan error)

	// ComposeText is the non-streamed form of Compose.
	ComposeText(ctx context.Context, in ComposeInput) (string, error)
}
