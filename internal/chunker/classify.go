package chunker

import (
	"context"
	"strings"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// HEURISTIC CLASSIFIER
// =============================================================================

// Cue phrases per kind. Lowercased substring match; the kind with the most
// hits wins, heading context breaks ties.
var kindCues = map[policy.Kind][]string{
	policy.KindExclusion: {
		"not covered", "excluded", "does not cover", "do not cover",
		"we do not insure", "following are not included", "except",
		"no coverage for",
	},
	policy.KindInclusion: {
		"we will pay", "coverage includes", "is covered", "benefits include",
	},
	policy.KindDefinition: {
		"means", "defined as", "refers to",
	},
	policy.KindLimitation: {
		"up to", "maximum", "cap", "deductible", "limit",
	},
	policy.KindProcedure: {
		"must", "required to", "notify", "within",
	},
}

// headingKinds maps known section headers to the kind they imply.
var headingKinds = map[string]policy.Kind{
	"EXCLUSIONS":  policy.KindExclusion,
	"COVERAGE":    policy.KindInclusion,
	"DEFINITIONS": policy.KindDefinition,
	"LIMITATIONS": policy.KindLimitation,
	"OBLIGATIONS": policy.KindProcedure,
}

// Classify assigns a heuristic kind from cue phrases, with the section
// heading winning ties. A chunk under an EXCLUSIONS heading is EXCLUSION
// even when its sentences carry no cue words.
func Classify(text, heading string) policy.Kind {
	lower := strings.ToLower(text)

	best := policy.KindGeneral
	bestHits := 0
	tied := false
	for _, kind := range policy.AllKinds {
		cues, ok := kindCues[kind]
		if !ok {
			continue
		}
		hits := 0
		for _, cue := range cues {
			hits += strings.Count(lower, cue)
		}
		switch {
		case hits > bestHits:
			best, bestHits, tied = kind, hits, false
		case hits == bestHits && hits > 0:
			tied = true
		}
	}

	headingKind, hasHeadingKind := kindForHeading(heading)
	if hasHeadingKind && (bestHits == 0 || tied) {
		return headingKind
	}
	return best
}

func kindForHeading(heading string) (policy.Kind, bool) {
	upper := strings.ToUpper(heading)
	for kw, kind := range headingKinds {
		if strings.Contains(upper, kw) {
			return kind, true
		}
	}
	return policy.KindGeneral, false
}

// =============================================================================
// LLM REFINEMENT
// =============================================================================

// KindClassifier confirms or overrides a heuristic kind. Satisfied by the
// LLM client.
type KindClassifier interface {
	ClassifyChunk(ctx context.Context, text, heading string) (policy.Kind, error)
}

// costlyKinds are the priors whose misclassification matters enough to
// spend an LLM call on.
var costlyKinds = map[policy.Kind]bool{
	policy.KindExclusion:  true,
	policy.KindInclusion:  true,
	policy.KindLimitation: true,
}

// Refine runs the second classification stage over chunks whose prior is
// one of the costly kinds. An out-of-enum or failed answer leaves the
// prior in place.
func Refine(ctx context.Context, classifier KindClassifier, chunks []policy.Chunk) []policy.Chunk {
	if classifier == nil {
		return chunks
	}
	for i := range chunks {
		if !costlyKinds[chunks[i].Kind] {
			continue
		}
		kind, err := classifier.ClassifyChunk(ctx, chunks[i].Text, chunks[i].SectionTitle)
		if err != nil {
			logging.Chunker("refine: chunk %d classification failed, keeping prior %s: %v", chunks[i].Position, chunks[i].Kind, err)
			continue
		}
		if !kind.Valid() {
			logging.Chunker("refine: chunk %d returned out-of-enum kind %q, keeping prior %s", chunks[i].Position, kind, chunks[i].Kind)
			continue
		}
		if kind != chunks[i].Kind {
			logging.ChunkerDebug("refine: chunk %d kind %s -> %s", chunks[i].Position, chunks[i].Kind, kind)
			chunks[i].Kind = kind
		}
	}
	return chunks
}
