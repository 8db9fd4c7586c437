package agent

import (
	"testing"

	"policyguard/internal/policy"
)

func citations(quotes ...string) []policy.Citation {
	out := make([]policy.Citation, len(quotes))
	for i, q := range quotes {
		out[i] = policy.Citation{ChunkID: "c", Page: 1, Quote: q, Kind: policy.KindExclusion}
	}
	return out
}

func TestCheckGroundingAcceptsCitedQuote(t *testing.T) {
	composed := `The policy states "We do not insure damage you intentionally cause", so this is excluded.`
	if !CheckGrounding(composed, citations("EXCLUSIONS: We do not insure damage you intentionally cause.")) {
		t.Error("verbatim quote from a citation must pass")
	}
}

func TestCheckGroundingRejectsInventedQuote(t *testing.T) {
	composed := `The policy states "flood damage is fully reimbursed within 10 days".`
	if CheckGrounding(composed, citations("We do not cover flood damage.")) {
		t.Error("invented quote must fail grounding")
	}
}

func TestCheckGroundingIgnoresShortQuotes(t *testing.T) {
	composed := `The "engine" is mentioned in your policy.`
	if !CheckGrounding(composed, citations("Some unrelated clause text.")) {
		t.Error("short quoted fragments are not grounding claims")
	}
}

func TestCheckGroundingNormalizesWhitespace(t *testing.T) {
	composed := `Quote: "We do not insure   damage you intentionally cause".`
	if !CheckGrounding(composed, citations("We do not insure\ndamage you intentionally cause.")) {
		t.Error("whitespace differences must not fail grounding")
	}
}

func TestApplyGroundingDowngradesToUnknown(t *testing.T) {
	verdict := policy.Verdict{
		Status:     policy.StatusNotCovered,
		Item:       "flood",
		Confidence: 0.9,
		Citations:  citations("We do not cover flood damage."),
	}
	composed := `The policy says "flood losses are reimbursed at 80 percent" which is why.`

	got := ApplyGrounding(verdict, composed)
	if got.Status != policy.StatusUnknown {
		t.Errorf("status = %s, want UNKNOWN", got.Status)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", got.Confidence)
	}
}

func TestApplyGroundingKeepsGroundedVerdict(t *testing.T) {
	verdict := policy.Verdict{
		Status:     policy.StatusNotCovered,
		Item:       "flood",
		Confidence: 0.9,
		Citations:  citations("We do not cover flood damage."),
	}
	composed := `Per the policy, "We do not cover flood damage." Your claim would be denied.`

	got := ApplyGrounding(verdict, composed)
	if got.Status != policy.StatusNotCovered || got.Confidence != 0.9 {
		t.Errorf("grounded verdict was altered: %+v", got)
	}
}

func TestMatchAmountPatterns(t *testing.T) {
	cases := []struct {
		text string
		ded  float64
		cap  float64
	}{
		{"Deductible: $400 per visit; coverage capped at 15000.", 400, 15000},
		{"A deductible of 1,250 applies. Limited to $9,999.50 per year.", 1250, 9999.50},
		{"Payments up to 5000 with no deductible stated here as a number.", 0, 5000},
	}
	for _, tc := range cases {
		if v, ok := matchAmount(deductibleRe, tc.text); tc.ded != 0 && (!ok || v != tc.ded) {
			t.Errorf("deductible in %q = %v (%v), want %v", tc.text, v, ok, tc.ded)
		}
		if v, ok := matchAmount(capRe, tc.text); tc.cap != 0 && (!ok || v != tc.cap) {
			t.Errorf("cap in %q = %v (%v), want %v", tc.text, v, ok, tc.cap)
		}
	}
}
