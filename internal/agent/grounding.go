package agent

import (
	"regexp"
	"strings"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// GROUNDING CHECK
// =============================================================================

var quotedSpan = regexp.MustCompile(`"([^"]{12,})"`)

// CheckGrounding verifies that every policy-language quotation in the
// composed answer appears verbatim in a supplied citation. Short quoted
// fragments are ignored; it is the substantial quotes that carry legal
// weight.
func CheckGrounding(composed string, citations []policy.Citation) bool {
	for _, m := range quotedSpan.FindAllStringSubmatch(composed, -1) {
		quote := normalizeSpace(m[1])
		found := false
		for _, cit := range citations {
			if strings.Contains(normalizeSpace(cit.Quote), quote) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ApplyGrounding downgrades a verdict whose composed answer quotes text
// not present in any citation. The downgrade is audit-logged; it must
// never pass silently.
func ApplyGrounding(verdict policy.Verdict, composed string) policy.Verdict {
	if CheckGrounding(composed, verdict.Citations) {
		return verdict
	}
	logging.Audit("grounding failure: composed answer quotes text outside citations (item=%q status=%s)",
		verdict.Item, verdict.Status)
	verdict.Status = policy.StatusUnknown
	verdict.Confidence = 0
	verdict.Reason = "answer could not be grounded in the policy text"
	return verdict
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
