package store

import (
	"context"
	"errors"
	"testing"

	"policyguard/internal/embedding"
	"policyguard/internal/policy"
)

const testDim = 32

func newTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	s, err := New(":memory:", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	v, err := embedding.NewHashEngine(testDim).Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	return v
}

func testChunks(t *testing.T, policyID string, texts ...string) []policy.Chunk {
	t.Helper()
	chunks := make([]policy.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = policy.Chunk{
			PolicyID:   policyID,
			Text:       text,
			Kind:       policy.KindGeneral,
			PageNumber: 1,
			Position:   i,
			Embedding:  embed(t, text),
		}
	}
	return chunks
}

func TestPutBatchAssignsIDsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(t, "pol-1", "first clause", "second clause", "third clause")
	ids, err := s.PutBatch(ctx, chunks)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	for i, id := range ids {
		ch, err := s.Fetch(ctx, id)
		if err != nil {
			t.Fatalf("Fetch(%s): %v", id, err)
		}
		if ch.Position != i {
			t.Errorf("id %d maps to position %d", i, ch.Position)
		}
	}
}

func TestPutBatchRejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t)

	chunks := testChunks(t, "pol-1", "fine clause")
	chunks = append(chunks, policy.Chunk{
		PolicyID:  "pol-1",
		Text:      "bad clause",
		Kind:      policy.KindGeneral,
		Position:  1,
		Embedding: make([]float32, testDim+1),
	})
	_, err := s.PutBatch(context.Background(), chunks)
	if !errors.Is(err, policy.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	// The batch is atomic: the valid chunk must not have landed.
	n, _ := s.Count(context.Background(), "pol-1")
	if n != 0 {
		t.Errorf("partial batch survived: %d chunks", n)
	}
}

func TestPutBatchRollsBackOnDuplicatePosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(t, "pol-1", "a", "b")
	chunks[1].Position = 0
	if _, err := s.PutBatch(ctx, chunks); err == nil {
		t.Fatal("expected unique(policy_id, position) violation")
	}
	n, _ := s.Count(ctx, "pol-1")
	if n != 0 {
		t.Errorf("partial batch survived: %d chunks", n)
	}
}

func TestSimilarNeverCrossesPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutBatch(ctx, testChunks(t, "pol-a", "flood damage exclusion clause")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutBatch(ctx, testChunks(t, "pol-b", "flood damage exclusion clause")); err != nil {
		t.Fatal(err)
	}

	results, err := s.Similar(ctx, SearchQuery{
		PolicyID: "pol-a",
		Vector:   embed(t, "flood damage"),
		K:        10,
	})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Chunk.PolicyID != "pol-a" {
		t.Errorf("result from wrong policy: %s", results[0].Chunk.PolicyID)
	}
}

func TestSimilarRequiresPolicyID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Similar(context.Background(), SearchQuery{Vector: make([]float32, testDim), K: 3})
	if !errors.Is(err, policy.ErrPolicyIsolation) {
		t.Errorf("expected ErrPolicyIsolation, got %v", err)
	}
}

func TestSimilarRejectsWrongQueryDimension(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Similar(context.Background(), SearchQuery{
		PolicyID: "pol-1",
		Vector:   make([]float32, testDim-1),
		K:        3,
	})
	if !errors.Is(err, policy.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSimilarKindFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(t, "pol-1", "flood is excluded from coverage", "flood coverage is included")
	chunks[0].Kind = policy.KindExclusion
	chunks[1].Kind = policy.KindInclusion
	if _, err := s.PutBatch(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	results, err := s.Similar(ctx, SearchQuery{
		PolicyID: "pol-1",
		Kinds:    []policy.Kind{policy.KindExclusion},
		Vector:   embed(t, "flood"),
		K:        10,
	})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.Kind != policy.KindExclusion {
		t.Fatalf("kind filter failed: %+v", results)
	}
}

func TestSimilarScoresInRangeAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(t, "pol-1",
		"engine repair is covered under this policy",
		"transmission repair is covered under this policy",
		"the policyholder shall pay premiums monthly")
	if _, err := s.PutBatch(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	results, err := s.Similar(ctx, SearchQuery{
		PolicyID: "pol-1",
		Vector:   embed(t, "is engine repair covered"),
		K:        3,
	})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score out of range: %v", r.Score)
		}
		if i > 0 && results[i-1].Score < r.Score {
			t.Errorf("results not sorted: %v before %v", results[i-1].Score, r.Score)
		}
	}
	if results[0].Chunk.Text != chunks[0].Text {
		t.Errorf("best match = %q", results[0].Chunk.Text)
	}
}

func TestSimilarTiesBreakByPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Identical text embeds identically, so scores tie exactly.
	chunks := testChunks(t, "pol-1", "identical clause text", "identical clause text x")
	chunks[1].Text = chunks[0].Text
	chunks[1].Embedding = chunks[0].Embedding
	if _, err := s.PutBatch(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	results, err := s.Similar(ctx, SearchQuery{
		PolicyID: "pol-1",
		Vector:   chunks[0].Embedding,
		K:        2,
	})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if results[0].Chunk.Position != 0 || results[1].Chunk.Position != 1 {
		t.Errorf("tie not broken by position: %d, %d",
			results[0].Chunk.Position, results[1].Chunk.Position)
	}
}

func TestDeletePolicyRemovesAllChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutBatch(ctx, testChunks(t, "pol-1", "a", "b", "c")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutBatch(ctx, testChunks(t, "pol-2", "keep me")); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePolicy(ctx, "pol-1"); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	if n, _ := s.Count(ctx, "pol-1"); n != 0 {
		t.Errorf("orphan chunks survived: %d", n)
	}
	if n, _ := s.Count(ctx, "pol-2"); n != 1 {
		t.Errorf("unrelated policy touched: %d", n)
	}

	// Deleting an unknown policy is a no-op.
	if err := s.DeletePolicy(ctx, "pol-missing"); err != nil {
		t.Errorf("delete of unknown policy: %v", err)
	}
}

func TestCountWithKindFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(t, "pol-1", "flood excluded", "engine covered", "deductible applies")
	chunks[0].Kind = policy.KindExclusion
	chunks[1].Kind = policy.KindInclusion
	chunks[2].Kind = policy.KindLimitation
	if _, err := s.PutBatch(ctx, chunks); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	n, err := s.Count(ctx, "pol-1")
	if err != nil || n != 3 {
		t.Errorf("Count() = %d (%v), want 3", n, err)
	}
	n, err = s.Count(ctx, "pol-1", policy.KindExclusion)
	if err != nil || n != 1 {
		t.Errorf("Count(exclusion) = %d (%v), want 1", n, err)
	}
	n, err = s.Count(ctx, "pol-1", policy.KindExclusion, policy.KindLimitation)
	if err != nil || n != 2 {
		t.Errorf("Count(exclusion, limitation) = %d (%v), want 2", n, err)
	}
	n, err = s.Count(ctx, "pol-1", policy.KindProcedure)
	if err != nil || n != 0 {
		t.Errorf("Count(procedure) = %d (%v), want 0", n, err)
	}
}

func TestFetchNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Fetch(context.Background(), "no-such-id")
	if !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(t, "pol-1", "excluded clause", "covered clause", "another covered clause")
	chunks[0].Kind = policy.KindExclusion
	chunks[1].Kind = policy.KindInclusion
	chunks[2].Kind = policy.KindInclusion
	chunks[2].PageNumber = 2
	if _, err := s.PutBatch(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx, "pol-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ChunkCount != 3 || stats.Pages != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByKind[policy.KindInclusion] != 2 || stats.ByKind[policy.KindExclusion] != 1 {
		t.Errorf("by kind = %v", stats.ByKind)
	}

	if _, err := s.Stats(ctx, "pol-missing"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing policy, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "pol-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.PolicyID != "pol-1" {
		t.Errorf("policy id = %q", got.PolicyID)
	}

	verdict := &policy.Verdict{Status: policy.StatusNotCovered, Item: "flood", Confidence: 0.9}
	if err := s.AppendMessage(ctx, sess.ID, "user", "is flood covered?", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, sess.ID, "assistant", "Flood is excluded.", verdict); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Verdict != nil {
		t.Error("user message should carry no verdict")
	}
	if msgs[1].Verdict == nil || msgs[1].Verdict.Status != policy.StatusNotCovered {
		t.Errorf("assistant verdict = %+v", msgs[1].Verdict)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
