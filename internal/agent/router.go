package agent

import (
	"strings"

	"policyguard/internal/policy"
)

// =============================================================================
// ROUTER
// =============================================================================

// GeneralExclusions is the item marker for "list all exclusions" queries:
// the probe switches to a broad exclusion retrieval instead of evaluating
// one item.
const GeneralExclusions = "GENERAL_EXCLUSIONS"

// Coverage questions, including exclusion questions, must route through
// the guardrail so exclusions are checked against the policy itself.
var coverageKeywords = []string{
	"covered", "cover", "does my policy", "am i covered", "is my",
	"exclusion", "excluded", "not covered", "what's not", "what isn't",
	"exception", "exempt", "limitation", "restricted", "banned",
	"included", "include", "what's covered", "what does my policy",
}

var explainKeywords = []string{"what is", "what does", "define", "mean", "explain"}

var limitsKeywords = []string{"deductible", "limit", "cap", "how much", "payment"}

// Items common across auto, health, and property policies.
var standardItems = []string{
	"engine", "transmission", "brakes", "suspension", "battery",
	"collision", "comprehensive", "liability", "towing",
	"medical", "hospitalization", "surgery", "prescription",
	"death benefit", "disability", "critical illness",
	"theft", "vandalism", "fire", "flood", "earthquake",
	"property damage", "bodily injury",
}

// Exclusion scenarios phrased many ways in user questions.
var scenarioKeywords = map[string][]string{
	"intentional damage":     {"intentional", "deliberately", "on purpose"},
	"fraud":                  {"fraud", "misrepresentation", "false statement"},
	"pre-existing condition": {"pre-existing", "prior condition"},
	"self-inflicted":         {"self-inflicted", "suicide", "self-harm"},
	"illegal activity":       {"illegal", "criminal", "unlawful"},
	"war":                    {"war", "terrorism", "civil unrest"},
}

var generalExclusionPatterns = []string{
	"what are the exclusion", "list exclusion", "all exclusion",
	"the exclusion", "my exclusion", "show exclusion",
	"tell me the exclusion", "what exclusion",
}

var stopWords = map[string]bool{
	"am": true, "i": true, "is": true, "my": true, "the": true, "a": true,
	"an": true, "if": true, "to": true, "for": true, "in": true, "on": true,
	"it": true, "be": true, "do": true, "does": true, "will": true,
	"would": true, "can": true, "could": true, "what": true, "how": true,
	"when": true, "where": true, "why": true, "covered": true, "cover": true,
	"coverage": true, "policy": true, "insurance": true, "car": true,
}

// Route classifies a user message and extracts the items to evaluate.
func Route(message string) (policy.Intent, []string) {
	lower := strings.ToLower(message)

	var intent policy.Intent
	switch {
	case containsAny(lower, coverageKeywords):
		intent = policy.IntentCheckCoverage
	case containsAny(lower, explainKeywords):
		intent = policy.IntentExplainTerms
	case containsAny(lower, limitsKeywords):
		intent = policy.IntentGetLimits
	default:
		intent = policy.IntentGeneral
	}

	var items []string
	for _, item := range standardItems {
		if strings.Contains(lower, item) {
			items = append(items, item)
		}
	}
	for scenario, keywords := range scenarioKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				items = append(items, scenario)
				break
			}
		}
	}

	// No lexicon hit: fall back to the question's longer nouns.
	if len(items) == 0 {
		for _, w := range strings.Fields(lower) {
			w = strings.Trim(w, "?.,!\"'")
			if stopWords[w] || len(w) <= 3 || !isAlpha(w) {
				continue
			}
			items = append(items, w)
			if len(items) == 3 {
				break
			}
		}
	}

	// "What are the exclusions?" style queries replace item extraction
	// with a broad exclusion search.
	if containsAny(lower, generalExclusionPatterns) {
		items = []string{GeneralExclusions}
	}

	return intent, dedupe(items)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return s != ""
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
