package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// FINANCIAL PATTERNS
// =============================================================================

// Deductible and cap amounts as written in policy text: "Deductible: $400
// per visit", "up to a maximum of 15,000", "coverage limit of $10,000".
var (
	deductibleRe = regexp.MustCompile(`(?i)deductible[^0-9$%]{0,20}\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	capRe        = regexp.MustCompile(`(?i)(?:cap(?:ped)?\s+(?:at|of)?|maximum(?:\s+of)?|up\s+to|limit(?:ed)?\s+(?:to|of))[^0-9$%]{0,20}\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// matchAmount extracts the first amount a pattern finds in text.
func matchAmount(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
