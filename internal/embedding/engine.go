// Package embedding provides vector embedding generation for policy text.
// Supports multiple backends: Google GenAI (cloud) and Ollama (local).
package embedding

import (
	"context"
	"fmt"
	"math"

	"policyguard/internal/config"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result is
	// ordered to match the input slice.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for embedding engines that support
// health checks. If an engine implements this interface, the ingest pipeline
// verifies availability before starting a batch.
type HealthChecker interface {
	// HealthCheck verifies the embedding service is reachable.
	// Returns nil if healthy, error otherwise.
	HealthCheck(ctx context.Context) error
}

// TaskKind selects the provider-side task hint: documents are embedded for
// retrieval storage, queries for retrieval lookup. Engines that have no such
// notion ignore it.
type TaskKind string

const (
	TaskDocument TaskKind = "RETRIEVAL_DOCUMENT"
	TaskQuery    TaskKind = "RETRIEVAL_QUERY"
)

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration. task selects
// the document/query hint for providers that distinguish them.
func NewEngine(cfg config.EmbeddingConfig, task TaskKind) (Engine, error) {
	logging.Embedding("Creating embedding engine with provider=%s task=%s", cfg.Provider, task)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dim, task)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dim)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'genai' or 'ollama')", cfg.Provider)
	}

	if err != nil {
		return nil, err
	}

	logging.Embedding("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means
// orthogonal. Zero-magnitude vectors similarity is 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", policy.ErrDimensionMismatch, len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Score maps a cosine similarity into the [0,1] relevance scale used by the
// chunk store: (1+cos)/2.
func Score(cos float64) float64 {
	return (1 + cos) / 2
}
