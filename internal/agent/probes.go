package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
	"policyguard/internal/store"
)

// =============================================================================
// PROBES
// =============================================================================

// probeHit is one chunk that crossed a probe's confidence threshold.
type probeHit struct {
	Chunk      policy.ScoredChunk
	Confidence float64
	Reason     string
}

// better orders hits: highest confidence wins, then lowest position.
func (h *probeHit) better(other *probeHit) bool {
	if other == nil {
		return true
	}
	if h.Confidence != other.Confidence {
		return h.Confidence > other.Confidence
	}
	return h.Chunk.Chunk.Position < other.Chunk.Chunk.Position
}

func (a *Agent) retrieve(ctx context.Context, policyID, query string, kinds []policy.Kind, k int) ([]policy.ScoredChunk, error) {
	vec, err := a.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return a.search.Similar(ctx, store.SearchQuery{
		PolicyID: policyID,
		Kinds:    kinds,
		Vector:   vec,
		K:        k,
	})
}

// runExclusion probes every routed item against exclusion and limitation
// chunks. The first item with a confident exclusion settles the turn.
func (a *Agent) runExclusion(ctx context.Context, t *turn) error {
	for _, item := range t.items {
		if item == GeneralExclusions {
			return a.listExclusions(ctx, t)
		}

		chunks, err := a.retrieve(ctx, t.policyID, t.message+" "+item,
			[]policy.Kind{policy.KindExclusion, policy.KindLimitation}, a.cfg.KExclusion)
		if err != nil {
			return err
		}

		hit, best, err := a.evaluateExclusions(ctx, chunks, item)
		if err != nil {
			return err
		}
		if best > t.bestExclConf {
			t.bestExclConf = best
		}
		if hit != nil {
			logging.Agent("exclusion probe: item=%q excluded by chunk pos=%d confidence=%.2f",
				item, hit.Chunk.Chunk.Position, hit.Confidence)
			t.exclusion = hit
			return nil
		}
	}
	return nil
}

func (a *Agent) evaluateExclusions(ctx context.Context, chunks []policy.ScoredChunk, item string) (*probeHit, float64, error) {
	var (
		mu   sync.Mutex
		hit  *probeHit
		best float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.FanoutLimit)

	for _, sc := range chunks {
		sc := sc
		g.Go(func() error {
			eval, err := a.llm.EvaluateExclusion(gctx, sc.Chunk.Text, item)
			if err != nil {
				return fmt.Errorf("exclusion evaluation failed: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			if eval.Confidence > best {
				best = eval.Confidence
			}
			if eval.Excluded && eval.Confidence >= a.cfg.TauExclusion {
				h := &probeHit{Chunk: sc, Confidence: eval.Confidence, Reason: eval.Reason}
				if h.better(hit) {
					hit = h
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return hit, best, nil
}

// listExclusions answers "what are the exclusions" queries: a broad
// retrieval over exclusion chunks, no per-item evaluation.
func (a *Agent) listExclusions(ctx context.Context, t *turn) error {
	chunks, err := a.retrieve(ctx, t.policyID, "exclusions not covered excluded",
		[]policy.Kind{policy.KindExclusion}, a.cfg.KExclusion*2)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		t.verdict = policy.Verdict{
			Status: policy.StatusUnknown,
			Item:   "exclusions",
			Reason: "the policy text contains no identifiable exclusion clauses",
		}
		return nil
	}

	citations := make([]policy.Citation, 0, len(chunks))
	for _, sc := range chunks {
		citations = append(citations, citationFrom(sc.Chunk))
	}
	t.verdict = policy.Verdict{
		Status:     policy.StatusNotCovered,
		Item:       "exclusions",
		Reason:     "the policy lists these exclusions",
		Confidence: chunks[0].Score,
		Citations:  citations,
	}
	return nil
}

// runInclusion mirrors the exclusion probe over inclusion, definition,
// and general chunks.
func (a *Agent) runInclusion(ctx context.Context, t *turn) error {
	for _, item := range t.items {
		chunks, err := a.retrieve(ctx, t.policyID, t.message+" "+item,
			[]policy.Kind{policy.KindInclusion, policy.KindDefinition, policy.KindGeneral}, a.cfg.KInclusion)
		if err != nil {
			return err
		}

		var (
			mu   sync.Mutex
			hit  *probeHit
			best float64
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.FanoutLimit)
		for _, sc := range chunks {
			sc := sc
			g.Go(func() error {
				eval, err := a.llm.EvaluateInclusion(gctx, sc.Chunk.Text, item)
				if err != nil {
					return fmt.Errorf("inclusion evaluation failed: %w", err)
				}
				mu.Lock()
				defer mu.Unlock()
				if eval.Confidence > best {
					best = eval.Confidence
				}
				if eval.Covered && eval.Confidence >= a.cfg.TauInclusion {
					h := &probeHit{Chunk: sc, Confidence: eval.Confidence, Reason: eval.Reason}
					if h.better(hit) {
						hit = h
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if best > t.bestInclConf {
			t.bestInclConf = best
		}
		if hit != nil {
			logging.Agent("inclusion probe: item=%q covered by chunk pos=%d confidence=%.2f",
				item, hit.Chunk.Chunk.Position, hit.Confidence)
			t.inclusion = hit
			return nil
		}
	}
	return nil
}

// runFinancial extracts deductible/cap/conditions from limitation chunks.
// Regex runs first; the LLM fills what the patterns missed. This step may
// enrich a verdict but never changes its status.
func (a *Agent) runFinancial(ctx context.Context, t *turn) error {
	item := firstItem(t.items)
	chunks, err := a.retrieve(ctx, t.policyID, t.message+" "+item,
		[]policy.Kind{policy.KindLimitation}, a.cfg.KFinancial)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	fin := &policy.Financials{}
	var cited []policy.Citation
	for _, sc := range chunks {
		matched := false
		if fin.Deductible == nil {
			if v, ok := matchAmount(deductibleRe, sc.Chunk.Text); ok {
				fin.Deductible = &v
				matched = true
			}
		}
		if fin.Cap == nil {
			if v, ok := matchAmount(capRe, sc.Chunk.Text); ok {
				fin.Cap = &v
				matched = true
			}
		}
		if matched {
			cited = append(cited, citationFrom(sc.Chunk))
		}
	}

	if fin.Deductible == nil || fin.Cap == nil || len(fin.Conditions) == 0 {
		terms, err := a.llm.ExtractFinancials(ctx, chunks[0].Chunk.Text, item)
		if err != nil {
			logging.Agent("financial probe: LLM extraction failed, keeping regex results: %v", err)
		} else {
			if fin.Deductible == nil && terms.Deductible != nil {
				fin.Deductible = terms.Deductible
			}
			if fin.Cap == nil && terms.Cap != nil {
				fin.Cap = terms.Cap
			}
			fin.Conditions = terms.Conditions
			if !containsCitation(cited, chunks[0].Chunk.ID) {
				cited = append(cited, citationFrom(chunks[0].Chunk))
			}
		}
	}

	if fin.Deductible == nil && fin.Cap == nil && len(fin.Conditions) == 0 {
		return nil
	}
	t.financials = fin
	t.finCitations = cited
	return nil
}

// boundedRetrieval serves EXPLAIN_TERMS and GENERAL intents: a capped
// retrieval with citations, no coverage determination.
func (a *Agent) boundedRetrieval(ctx context.Context, t *turn) error {
	kinds := []policy.Kind{policy.KindDefinition, policy.KindGeneral}
	if t.intent == policy.IntentGeneral {
		kinds = nil
	}
	chunks, err := a.retrieve(ctx, t.policyID, t.message, kinds, a.cfg.KInclusion)
	if err != nil {
		return err
	}

	citations := make([]policy.Citation, 0, len(chunks))
	for _, sc := range chunks {
		citations = append(citations, citationFrom(sc.Chunk))
	}
	confidence := 0.0
	if len(chunks) > 0 {
		confidence = chunks[0].Score
	}
	t.verdict = policy.Verdict{
		Status:     policy.StatusUnknown,
		Item:       firstItem(t.items),
		Reason:     "informational answer, not a coverage determination",
		Confidence: confidence,
		Citations:  citations,
	}
	return nil
}

func containsCitation(cits []policy.Citation, chunkID string) bool {
	for _, c := range cits {
		if c.ChunkID == chunkID {
			return true
		}
	}
	return false
}

// citationFrom builds a verbatim citation from a chunk. Long chunks quote
// their first sentence-bounded 240 characters.
func citationFrom(ch policy.Chunk) policy.Citation {
	quote := ch.Text
	if len(quote) > 240 {
		cut := quote[:240]
		if idx := strings.LastIndexAny(cut, " \n"); idx > 0 {
			cut = cut[:idx]
		}
		quote = cut
	}
	return policy.Citation{
		ChunkID: ch.ID,
		Page:    ch.PageNumber,
		Section: ch.SectionTitle,
		Quote:   quote,
		Kind:    ch.Kind,
	}
}
