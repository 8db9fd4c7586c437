package chunker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"policyguard/internal/config"
	"policyguard/internal/extract"
	"policyguard/internal/policy"
)

func testChunker() *Chunker {
	return New(config.ChunkerConfig{Size: 800, Overlap: 0.15, MinSize: 100})
}

func TestIsHeading(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"EXCLUSIONS", true},
		{"Exclusions:", true},
		{"3. LIMITATIONS", true},
		{"SECTION A - WHAT WE COVER", true},
		{"3.2 Water Damage Limits", true},
		{"Exclusions apply to the following scenarios we list below.", false},
		{"Deductible: 400 per visit; coverage capped at 15000.", false},
		{"General exclusions apply to every coverage in this policy.", false},
		{"the policyholder must notify us", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsHeading(tc.line); got != tc.want {
			t.Errorf("IsHeading(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestChunkAssignsSectionTitles(t *testing.T) {
	block := extract.TextBlock{
		PageNumber: 1,
		Text: "EXCLUSIONS\n" +
			"We do not cover damage caused by flood.\n\n" +
			"COVERAGE\n" +
			"We will pay for engine repair after a covered loss.",
	}
	chunks := testChunker().Chunk("pol-1", []extract.TextBlock{block})
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].SectionTitle != "EXCLUSIONS" || chunks[0].Kind != policy.KindExclusion {
		t.Errorf("chunk 0 = section %q kind %s", chunks[0].SectionTitle, chunks[0].Kind)
	}
	if chunks[1].SectionTitle != "COVERAGE" || chunks[1].Kind != policy.KindInclusion {
		t.Errorf("chunk 1 = section %q kind %s", chunks[1].SectionTitle, chunks[1].Kind)
	}
}

func TestChunkPositionsMonotonicAcrossPages(t *testing.T) {
	blocks := []extract.TextBlock{
		{PageNumber: 1, Text: "First page clause about coverage terms."},
		{PageNumber: 2, Text: "Second page clause about deductibles."},
	}
	chunks := testChunker().Chunk("pol-1", blocks)
	for i, ch := range chunks {
		if ch.Position != i {
			t.Errorf("chunk %d has position %d", i, ch.Position)
		}
	}
	if chunks[0].PageNumber != 1 || chunks[len(chunks)-1].PageNumber != 2 {
		t.Error("page numbers not preserved")
	}
}

func TestChunkNeverSpansPages(t *testing.T) {
	long := strings.Repeat("A covered clause sentence. ", 30)
	blocks := []extract.TextBlock{
		{PageNumber: 1, Text: long},
		{PageNumber: 2, Text: long},
	}
	for _, ch := range testChunker().Chunk("pol-1", blocks) {
		if ch.PageNumber != 1 && ch.PageNumber != 2 {
			t.Errorf("chunk spans pages: page %d", ch.PageNumber)
		}
	}
}

func TestChunkSizeBounds(t *testing.T) {
	// A long run of sentences must split into chunks near the target size.
	text := strings.Repeat("The insurer will pay benefits for covered repairs subject to terms. ", 60)
	chunks := testChunker().Chunk("pol-1", []extract.TextBlock{{PageNumber: 1, Text: text}})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch.Text) > 1000 {
			t.Errorf("chunk %d too large: %d chars", i, len(ch.Text))
		}
	}
}

func TestChunkOverlapCarriesTail(t *testing.T) {
	text := strings.Repeat("Sentence one about water damage coverage terms and limits. ", 40)
	chunks := testChunker().Chunk("pol-1", []extract.TextBlock{{PageNumber: 1, Text: text}})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// The start of chunk 1 must repeat text from the end of chunk 0.
	head := chunks[1].Text[:40]
	if !strings.Contains(chunks[0].Text, strings.TrimSpace(head)) {
		t.Errorf("no overlap: chunk 1 starts %q", head)
	}
}

func TestChunkHardCutsOversizeSentence(t *testing.T) {
	// One giant sentence with no breaks forces word-boundary cuts.
	text := strings.Repeat("word ", 500)
	chunks := testChunker().Chunk("pol-1", []extract.TextBlock{{PageNumber: 1, Text: text}})
	for i, ch := range chunks {
		if len(ch.Text) > 1000 {
			t.Errorf("chunk %d exceeds max: %d", i, len(ch.Text))
		}
		if strings.Contains(ch.Text, "wor\n") {
			t.Errorf("chunk %d cut mid-word", i)
		}
	}
}

func TestClassifyCues(t *testing.T) {
	cases := []struct {
		text string
		want policy.Kind
	}{
		{"We do not cover damage caused by war.", policy.KindExclusion},
		{"We will pay for repairs to your dwelling.", policy.KindInclusion},
		{"\"Flood\" means a general and temporary condition of inundation.", policy.KindDefinition},
		{"Coverage is limited to a maximum of $10,000 per occurrence.", policy.KindLimitation},
		{"You must notify us within 30 days of the loss.", policy.KindProcedure},
		{"This policy is issued by the company.", policy.KindGeneral},
	}
	for _, tc := range cases {
		if got := Classify(tc.text, ""); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestClassifyHeadingWinsWithoutCues(t *testing.T) {
	got := Classify("Damage arising from gradual wear and tear.", "EXCLUSIONS")
	if got != policy.KindExclusion {
		t.Errorf("heading context should win, got %s", got)
	}
}

func TestClassifyHeadingBreaksTies(t *testing.T) {
	// "limit" (limitation) and "must" (procedure) both hit once.
	got := Classify("The limit applies and you must file promptly.", "LIMITATIONS")
	if got != policy.KindLimitation {
		t.Errorf("heading should break the tie, got %s", got)
	}
}

type scriptedClassifier struct {
	fn func(ctx context.Context, text, heading string) (policy.Kind, error)
}

func (s scriptedClassifier) ClassifyChunk(ctx context.Context, text, heading string) (policy.Kind, error) {
	return s.fn(ctx, text, heading)
}

func TestRefineOverridesCostlyKind(t *testing.T) {
	chunks := []policy.Chunk{
		{Position: 0, Text: "except as provided", Kind: policy.KindExclusion},
	}
	c := scriptedClassifier{fn: func(_ context.Context, _, _ string) (policy.Kind, error) {
		return policy.KindLimitation, nil
	}}
	out := Refine(context.Background(), c, chunks)
	if out[0].Kind != policy.KindLimitation {
		t.Errorf("kind = %s, want limitation", out[0].Kind)
	}
}

func TestRefineKeepsPriorOnOutOfEnum(t *testing.T) {
	chunks := []policy.Chunk{
		{Position: 0, Text: "we will pay", Kind: policy.KindInclusion},
	}
	c := scriptedClassifier{fn: func(_ context.Context, _, _ string) (policy.Kind, error) {
		return policy.Kind("PARTIAL_EXCLUSION"), nil
	}}
	out := Refine(context.Background(), c, chunks)
	if out[0].Kind != policy.KindInclusion {
		t.Errorf("out-of-enum answer must not win, got %s", out[0].Kind)
	}
}

func TestRefineKeepsPriorOnError(t *testing.T) {
	chunks := []policy.Chunk{
		{Position: 0, Text: "deductible applies", Kind: policy.KindLimitation},
	}
	c := scriptedClassifier{fn: func(_ context.Context, _, _ string) (policy.Kind, error) {
		return "", errors.New("provider down")
	}}
	out := Refine(context.Background(), c, chunks)
	if out[0].Kind != policy.KindLimitation {
		t.Errorf("error must keep prior, got %s", out[0].Kind)
	}
}

func TestRefineSkipsCheapKinds(t *testing.T) {
	called := false
	chunks := []policy.Chunk{
		{Position: 0, Text: "general text", Kind: policy.KindGeneral},
		{Position: 1, Text: "means the following", Kind: policy.KindDefinition},
	}
	c := scriptedClassifier{fn: func(_ context.Context, _, _ string) (policy.Kind, error) {
		called = true
		return policy.KindGeneral, nil
	}}
	Refine(context.Background(), c, chunks)
	if called {
		t.Error("refine must only touch exclusion/inclusion/limitation priors")
	}
}
