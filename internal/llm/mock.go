package llm

import (
	"context"

	"policyguard/internal/policy"
)

// =============================================================================
// MOCK CLIENT
// =============================================================================

// MockClient scripts LLM answers for tests. Unset funcs return zero
// values so tests only script what they assert.
type MockClient struct {
	ClassifyChunkFunc     func(ctx context.Context, text, heading string) (policy.Kind, error)
	EvaluateExclusionFunc func(ctx context.Context, chunkText, item string) (ExclusionEval, error)
	EvaluateInclusionFunc func(ctx context.Context, chunkText, item string) (InclusionEval, error)
	ExtractFinancialsFunc func(ctx context.Context, chunkText, item string) (FinancialTerms, error)
	ComposeFunc           func(ctx context.Context, in ComposeInput) (<-chan string, <-chan error)
	ComposeTextFunc       func(ctx context.Context, in ComposeInput) (string, error)
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) ClassifyChunk(ctx context.Context, text, heading string) (policy.Kind, error) {
	if m.ClassifyChunkFunc != nil {
		return m.ClassifyChunkFunc(ctx, text, heading)
	}
	return policy.KindGeneral, nil
}

func (m *MockClient) EvaluateExclusion(ctx context.Context, chunkText, item string) (ExclusionEval, error) {
	if m.EvaluateExclusionFunc != nil {
		return m.EvaluateExclusionFunc(ctx, chunkText, item)
	}
	return ExclusionEval{}, nil
}

func (m *MockClient) EvaluateInclusion(ctx context.Context, chunkText, item string) (InclusionEval, error) {
	if m.EvaluateInclusionFunc != nil {
		return m.EvaluateInclusionFunc(ctx, chunkText, item)
	}
	return InclusionEval{}, nil
}

func (m *MockClient) ExtractFinancials(ctx context.Context, chunkText, item string) (FinancialTerms, error) {
	if m.ExtractFinancialsFunc != nil {
		return m.ExtractFinancialsFunc(ctx, chunkText, item)
	}
	return FinancialTerms{}, nil
}

func (m *MockClient) Compose(ctx context.Context, in ComposeInput) (<-chan string, <-chan error) {
	if m.ComposeFunc != nil {
		return m.ComposeFunc(ctx, in)
	}
	contentChan := make(chan string, 1)
	errorChan := make(chan error, 1)
	text, err := m.ComposeText(ctx, in)
	if err != nil {
		errorChan <- err
	} else {
		contentChan <- text
	}
	close(contentChan)
	close(errorChan)
	return contentChan, errorChan
}

func (m *MockClient) ComposeText(ctx context.Context, in ComposeInput) (string, error) {
	if m.ComposeTextFunc != nil {
		return m.ComposeTextFunc(ctx, in)
	}
	if len(in.Citations) == 0 {
		// The worst-case degraded answer: no grounding text was found, the
		// verdict stays UNKNOWN, and the turn still completes.
		return "No relevant policy text was found for this question.", nil
	}
	return "Per the policy: " + in.Citations[0].Quote, nil
}
