package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// =============================================================================
// HASH EMBEDDING ENGINE
// =============================================================================

// HashEngine is a deterministic, offline embedding engine. Each token is
// hashed into a bucket and the bucket counts are L2-normalized, so texts
// sharing vocabulary land near each other. No network, no model. Used by
// tests and by smoke deployments without a provider.
type HashEngine struct {
	dim int
}

// NewHashEngine creates a hash embedder of the given dimensionality.
func NewHashEngine(dim int) *HashEngine {
	if dim <= 0 {
		dim = 64
	}
	return &HashEngine{dim: dim}
}

// Embed generates a deterministic embedding for text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dim]++
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *HashEngine) Dimensions() int { return e.dim }

// Name returns the engine name.
func (e *HashEngine) Name() string { return fmt.Sprintf("hash:%d", e.dim) }
