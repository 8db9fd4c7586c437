// Package agent implements the coverage guardrail: a fixed-order state
// machine that answers coverage questions against one policy's chunks.
// The order is a legal invariant. A matching exclusion ends the turn as
// NOT_COVERED no matter what the inclusion text says.
package agent

import (
	"context"
	"fmt"

	"policyguard/internal/config"
	"policyguard/internal/embedding"
	"policyguard/internal/llm"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
	"policyguard/internal/store"
)

// =============================================================================
// AGENT
// =============================================================================

// Searcher is the chunk retrieval capability the agent needs.
type Searcher interface {
	Similar(ctx context.Context, q store.SearchQuery) ([]policy.ScoredChunk, error)
}

// Agent runs the guardrail over one policy per turn.
type Agent struct {
	search Searcher
	embed  embedding.Engine
	llm    llm.Client
	cfg    config.AgentConfig
}

// New creates an agent.
func New(search Searcher, embed embedding.Engine, llmClient llm.Client, cfg config.AgentConfig) *Agent {
	if cfg.KExclusion <= 0 {
		cfg.KExclusion = 8
	}
	if cfg.KInclusion <= 0 {
		cfg.KInclusion = 8
	}
	if cfg.KFinancial <= 0 {
		cfg.KFinancial = 4
	}
	if cfg.TauExclusion <= 0 {
		cfg.TauExclusion = 0.6
	}
	if cfg.TauInclusion <= 0 {
		cfg.TauInclusion = 0.6
	}
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = 4
	}
	return &Agent{search: search, embed: embed, llm: llmClient, cfg: cfg}
}

// step enumerates the guardrail states. Decide walks them in this order;
// the only legal shortcuts are exclusion -> compose and the non-coverage
// intents' jump past the probes.
type step int

const (
	stepRoute step = iota
	stepExclusionProbe
	stepInclusionProbe
	stepFinancialProbe
	stepCompose
	stepDone
)

// Decision is the outcome of the probe phase: the structured verdict plus
// the context the composer is allowed to draw from.
type Decision struct {
	Verdict policy.Verdict
	Compose llm.ComposeInput
}

// turn accumulates state across steps.
type turn struct {
	policyID string
	message  string

	intent policy.Intent
	items  []string

	exclusion    *probeHit
	inclusion    *probeHit
	bestExclConf float64
	bestInclConf float64

	financials   *policy.Financials
	finCitations []policy.Citation

	verdict policy.Verdict
}

// Decide runs ROUTE through FINANCIAL_PROBE and returns the verdict and
// compose context. It does not call the composer; callers stream or
// complete composition themselves and then run CheckGrounding.
func (a *Agent) Decide(ctx context.Context, policyID, message string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, &policy.TurnError{Code: policy.CodeCancelled, Message: "turn deadline already expired", Cause: err}
	}

	t := &turn{policyID: policyID, message: message}

	for st := stepRoute; st != stepDone; {
		var err error
		st, err = a.dispatch(ctx, st, t)
		if err != nil {
			return Decision{}, err
		}
	}

	return Decision{
		Verdict: t.verdict,
		Compose: llm.ComposeInput{
			Question:   message,
			Item:       t.verdict.Item,
			Status:     t.verdict.Status,
			Reason:     t.verdict.Reason,
			Citations:  t.verdict.Citations,
			Financials: t.verdict.Financials,
		},
	}, nil
}

func (a *Agent) dispatch(ctx context.Context, st step, t *turn) (step, error) {
	switch st {
	case stepRoute:
		t.intent, t.items = Route(t.message)
		logging.Agent("route: intent=%s items=%v", t.intent, t.items)
		switch t.intent {
		case policy.IntentCheckCoverage:
			return stepExclusionProbe, nil
		case policy.IntentGetLimits:
			return stepFinancialProbe, nil
		default:
			// EXPLAIN_TERMS and GENERAL answer from bounded retrieval,
			// still with citations.
			if err := a.boundedRetrieval(ctx, t); err != nil {
				return stepDone, err
			}
			return stepCompose, nil
		}

	case stepExclusionProbe:
		if err := a.runExclusion(ctx, t); err != nil {
			return stepDone, err
		}
		if t.exclusion != nil || t.verdict.Status != "" {
			// Guardrail dominance: nothing downstream may overturn this.
			// A settled verdict (the general exclusion listing) also ends
			// the probe phase.
			return stepCompose, nil
		}
		return stepInclusionProbe, nil

	case stepInclusionProbe:
		if err := a.runInclusion(ctx, t); err != nil {
			return stepDone, err
		}
		if t.inclusion == nil {
			return stepCompose, nil
		}
		return stepFinancialProbe, nil

	case stepFinancialProbe:
		if err := a.runFinancial(ctx, t); err != nil {
			return stepDone, err
		}
		return stepCompose, nil

	case stepCompose:
		a.buildVerdict(t)
		return stepDone, nil
	}
	return stepDone, fmt.Errorf("unreachable step %d", st)
}

// buildVerdict folds the probe results into the verdict. Confidence is
// the decisive step's confidence: the excluding chunk for NOT_COVERED,
// the including chunk for COVERED, the max of both for CONDITIONAL, and
// 0 for UNKNOWN.
func (a *Agent) buildVerdict(t *turn) {
	if t.verdict.Status != "" {
		// A probe already settled the verdict (general exclusion listing,
		// non-coverage intents).
		return
	}

	item := firstItem(t.items)

	switch {
	case t.exclusion != nil:
		t.verdict = policy.Verdict{
			Status:     policy.StatusNotCovered,
			Item:       item,
			Reason:     t.exclusion.Reason,
			Confidence: t.exclusion.Confidence,
			Citations:  []policy.Citation{citationFrom(t.exclusion.Chunk.Chunk)},
		}

	case t.inclusion != nil:
		status := policy.StatusCovered
		confidence := t.inclusion.Confidence
		// Any financial terms make the coverage conditional, even when the
		// probe found only a deductible or a cap. A plain COVERED verdict
		// cites coverage text only, never limitation clauses.
		if t.financials != nil {
			status = policy.StatusConditional
			confidence = max(t.bestExclConf, t.bestInclConf)
		}
		citations := []policy.Citation{citationFrom(t.inclusion.Chunk.Chunk)}
		citations = append(citations, t.finCitations...)
		t.verdict = policy.Verdict{
			Status:     status,
			Item:       item,
			Reason:     t.inclusion.Reason,
			Confidence: confidence,
			Citations:  citations,
			Financials: t.financials,
		}

	default:
		reason := "no policy text addresses this with sufficient confidence"
		if t.financials != nil {
			reason = "financial terms drawn from the policy's limitation clauses"
		}
		t.verdict = policy.Verdict{
			Status:     policy.StatusUnknown,
			Item:       item,
			Reason:     reason,
			Confidence: 0,
			Financials: t.financials,
			Citations:  t.finCitations,
		}
	}

	logging.Agent("verdict: policy=%s item=%q status=%s confidence=%.2f citations=%d",
		t.policyID, t.verdict.Item, t.verdict.Status, t.verdict.Confidence, len(t.verdict.Citations))
}

func firstItem(items []string) string {
	for _, it := range items {
		if it != GeneralExclusions {
			return it
		}
	}
	if len(items) > 0 {
		return items[0]
	}
	return ""
}
