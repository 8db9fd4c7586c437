package llm

import (
	"fmt"
	"strings"
)

// =============================================================================
// PROMPTS
// =============================================================================

const classifySystemPrompt = `You classify insurance policy text. Answer with exactly one of:
exclusion, inclusion, definition, limitation, procedure, general.
- exclusion: text that removes or denies coverage
- inclusion: text that grants or confirms coverage
- definition: text that defines a term
- limitation: text that caps amounts, sets deductibles or limits
- procedure: text that states obligations, deadlines or claim steps
- general: anything else`

func classifyUserPrompt(text, heading string) string {
	var b strings.Builder
	if heading != "" {
		fmt.Fprintf(&b, "Section heading: %s\n\n", heading)
	}
	fmt.Fprintf(&b, "Policy text:\n%s", text)
	return b.String()
}

const exclusionSystemPrompt = `You evaluate a single insurance policy clause.
Decide whether the clause EXCLUDES coverage for the given item or scenario.
Judge only from the clause text. If the clause is about something else,
answer excluded=false with low confidence.`

const inclusionSystemPrompt = `You evaluate a single insurance policy clause.
Decide whether the clause GRANTS coverage for the given item or scenario.
Judge only from the clause text. If the clause is about something else,
answer covered=false with low confidence.`

const financialSystemPrompt = `You extract financial terms from a single insurance policy clause.
Report the deductible amount and coverage cap as plain numbers when the
clause states them for the given item, null otherwise. List any stated
conditions verbatim. Never invent amounts.`

func probeUserPrompt(chunkText, item string) string {
	return fmt.Sprintf("Item or scenario: %s\n\nClause:\n%s", item, chunkText)
}

const composeSystemPrompt = `You are an insurance coverage assistant. Write a short answer to the
user's question using ONLY the verdict and citations provided. Every
factual claim must be supported by a citation quote. Quote policy
language verbatim when you reference it. Do not change the verdict, do
not speculate, and do not mention documents you were not given.`

func composeUserPrompt(in ComposeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", in.Question)
	fmt.Fprintf(&b, "Item: %s\n", in.Item)
	fmt.Fprintf(&b, "Verdict: %s\n", in.Status)
	if in.Reason != "" {
		fmt.Fprintf(&b, "Basis: %s\n", in.Reason)
	}
	if in.Financials != nil {
		if in.Financials.Deductible != nil {
			fmt.Fprintf(&b, "Deductible: %.2f\n", *in.Financials.Deductible)
		}
		if in.Financials.Cap != nil {
			fmt.Fprintf(&b, "Coverage cap: %.2f\n", *in.Financials.Cap)
		}
		for _, cond := range in.Financials.Conditions {
			fmt.Fprintf(&b, "Condition: %s\n", cond)
		}
	}
	b.WriteString("\nCitations:\n")
	for i, cit := range in.Citations {
		fmt.Fprintf(&b, "[%d] (page %d", i+1, cit.Page)
		if cit.Section != "" {
			fmt.Fprintf(&b, ", %s", cit.Section)
		}
		fmt.Fprintf(&b, ") %q\n", cit.Quote)
	}
	return b.String()
}
