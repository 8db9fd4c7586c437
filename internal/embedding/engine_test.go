package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"policyguard/internal/policy"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	got, err := CosineSimilarity(a, a)
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("identical vectors: got %v, want 1.0", got)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: got %v, want 0", got)
	}
}

func TestCosineSimilarityOpposite(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(got+1.0) > 1e-9 {
		t.Errorf("opposite vectors: got %v, want -1", got)
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	if !errors.Is(err, policy.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	got, err := CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if got != 0 {
		t.Errorf("zero vector: got %v, want 0", got)
	}
}

func TestScoreRange(t *testing.T) {
	cases := []struct {
		cos  float64
		want float64
	}{
		{1, 1},
		{0, 0.5},
		{-1, 0},
	}
	for _, tc := range cases {
		if got := Score(tc.cos); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Score(%v) = %v, want %v", tc.cos, got, tc.want)
		}
	}
}

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "flood damage to the engine")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(ctx, "flood damage to the engine")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("same text should embed identically, got similarity %v", sim)
	}

	c, _ := e.Embed(ctx, "completely unrelated transmission clause")
	simAC, _ := CosineSimilarity(a, c)
	if simAC >= sim {
		t.Errorf("different text should be less similar: %v >= %v", simAC, sim)
	}
}

func TestHashEngineBatchOrder(t *testing.T) {
	e := NewHashEngine(32)
	ctx := context.Background()

	texts := []string{"first clause", "second clause", "third clause"}
	batch, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch length %d, want %d", len(batch), len(texts))
	}
	for i, text := range texts {
		single, _ := e.Embed(ctx, text)
		sim, _ := CosineSimilarity(batch[i], single)
		if math.Abs(sim-1.0) > 1e-6 {
			t.Errorf("batch[%d] does not match single embed of %q", i, text)
		}
	}
}

func TestOllamaEngineEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "embeddinggemma" {
			t.Errorf("model = %q", req.Model)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "embeddinggemma", 3)
	if err != nil {
		t.Fatalf("NewOllamaEngine: %v", err)
	}
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("got %d dims, want 3", len(vec))
	}
}

func TestOllamaEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, _ := NewOllamaEngine(srv.URL, "embeddinggemma", 768)
	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, policy.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestOllamaEngineInputTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	e, _ := NewOllamaEngine(srv.URL, "embeddinggemma", 768)
	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, policy.ErrInputTooLarge) {
		t.Errorf("expected ErrInputTooLarge, got %v", err)
	}
}
