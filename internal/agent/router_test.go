package agent

import (
	"reflect"
	"testing"

	"policyguard/internal/policy"
)

func TestRouteIntents(t *testing.T) {
	cases := []struct {
		message string
		want    policy.Intent
	}{
		{"Is flood damage covered?", policy.IntentCheckCoverage},
		{"What's not covered by my policy?", policy.IntentCheckCoverage},
		{"Am I covered if I hit a deer?", policy.IntentCheckCoverage},
		{"What does comprehensive mean?", policy.IntentExplainTerms},
		{"How much deductible do I pay?", policy.IntentGetLimits},
		{"Tell me about this document.", policy.IntentGeneral},
	}
	for _, tc := range cases {
		got, _ := Route(tc.message)
		if got != tc.want {
			t.Errorf("Route(%q) intent = %s, want %s", tc.message, got, tc.want)
		}
	}
}

func TestRouteStandardItems(t *testing.T) {
	_, items := Route("Is my engine and transmission covered after a flood?")
	want := []string{"engine", "transmission", "flood"}
	if !reflect.DeepEqual(items, want) {
		t.Errorf("items = %v, want %v", items, want)
	}
}

func TestRouteScenarioKeywords(t *testing.T) {
	_, items := Route("Am I covered if I deliberately crash?")
	found := false
	for _, it := range items {
		if it == "intentional damage" {
			found = true
		}
	}
	if !found {
		t.Errorf("items = %v, want intentional damage scenario", items)
	}
}

func TestRouteNounFallback(t *testing.T) {
	_, items := Route("Is rustproofing covered?")
	if len(items) != 1 || items[0] != "rustproofing" {
		t.Errorf("items = %v, want [rustproofing]", items)
	}
}

func TestRouteGeneralExclusionsMarker(t *testing.T) {
	for _, msg := range []string{
		"What are the exclusions?",
		"List exclusions in my policy",
		"Show exclusions please",
	} {
		_, items := Route(msg)
		if len(items) != 1 || items[0] != GeneralExclusions {
			t.Errorf("Route(%q) items = %v, want the general exclusions marker", msg, items)
		}
	}
}

func TestRouteDeduplicatesItems(t *testing.T) {
	_, items := Route("Is the engine covered? I mean the engine specifically.")
	count := 0
	for _, it := range items {
		if it == "engine" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("engine appears %d times: %v", count, items)
	}
}
