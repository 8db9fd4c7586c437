// Package ingest orchestrates the document pipeline: extract, chunk,
// classify, embed, store. Ingestion is serialized per policy; concurrent
// ingests of the same policy conflict instead of interleaving.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"policyguard/internal/chunker"
	"policyguard/internal/embedding"
	"policyguard/internal/extract"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
	"policyguard/internal/store"
)

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline runs document ingestion end to end.
type Pipeline struct {
	store   *store.ChunkStore
	pdf     *extract.PDFExtractor
	chunker *chunker.Chunker
	embed   embedding.Engine
	refiner chunker.KindClassifier // nil disables LLM refinement

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a pipeline. refiner may be nil when the deployment skips
// stage-2 classification.
func New(s *store.ChunkStore, pdf *extract.PDFExtractor, ch *chunker.Chunker, embed embedding.Engine, refiner chunker.KindClassifier) *Pipeline {
	return &Pipeline{
		store:    s,
		pdf:      pdf,
		chunker:  ch,
		embed:    embed,
		refiner:  refiner,
		inflight: make(map[string]bool),
	}
}

// Result summarizes one ingestion.
type Result struct {
	PolicyID   string   `json:"policy_id"`
	ChunkCount int      `json:"chunk_count"`
	Pages      int      `json:"pages"`
	PageErrors []string `json:"page_errors,omitempty"`
}

// Ingest runs the pipeline for one document. An empty policyID mints a new
// one; re-ingesting an existing policy replaces its chunks. A second
// concurrent ingest of the same policy returns ErrStoreConflict.
func (p *Pipeline) Ingest(ctx context.Context, policyID string, data []byte, mime string) (Result, error) {
	if policyID == "" {
		policyID = uuid.NewString()
	}

	if !p.acquire(policyID) {
		return Result{}, fmt.Errorf("%w: policy %s is already being ingested", policy.ErrStoreConflict, policyID)
	}
	defer p.release(policyID)

	logging.Ingest("ingest start: policy=%s mime=%s bytes=%d", policyID, mime, len(data))

	if hc, ok := p.embed.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return Result{}, fmt.Errorf("embedding engine unavailable: %w", err)
		}
	}

	extractor, err := extract.ForMIME(mime, p.pdf)
	if err != nil {
		return Result{}, err
	}
	blocks, pageErrs, err := extractor.Extract(ctx, data, mime)
	if err != nil {
		return Result{}, fmt.Errorf("extraction failed: %w", err)
	}

	chunks := p.chunker.Chunk(policyID, blocks)
	if p.refiner != nil {
		chunks = chunker.Refine(ctx, p.refiner, chunks)
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i := range chunks {
			texts[i] = chunks[i].Text
		}
		vectors, err := p.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return Result{}, fmt.Errorf("embedding failed: %w", err)
		}
		if len(vectors) != len(chunks) {
			return Result{}, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
		}
		for i := range chunks {
			if len(vectors[i]) != p.store.Dimensions() {
				return Result{}, fmt.Errorf("%w: engine %s produced dimension %d, store requires %d",
					policy.ErrDimensionMismatch, p.embed.Name(), len(vectors[i]), p.store.Dimensions())
			}
			chunks[i].Embedding = vectors[i]
		}
	}

	// Replace semantics: re-ingest never mixes old and new chunks.
	if err := p.store.DeletePolicy(ctx, policyID); err != nil {
		return Result{}, fmt.Errorf("failed to clear previous chunks: %w", err)
	}
	if len(chunks) > 0 {
		if _, err := p.store.PutBatch(ctx, chunks); err != nil {
			return Result{}, fmt.Errorf("failed to store chunks: %w", err)
		}
	}

	res := Result{
		PolicyID:   policyID,
		ChunkCount: len(chunks),
		Pages:      len(blocks),
	}
	for _, pe := range pageErrs {
		res.PageErrors = append(res.PageErrors, pe.Error())
	}

	logging.Ingest("ingest done: policy=%s chunks=%d pages=%d page_errors=%d",
		policyID, res.ChunkCount, res.Pages, len(res.PageErrors))
	return res, nil
}

func (p *Pipeline) acquire(policyID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[policyID] {
		return false
	}
	p.inflight[policyID] = true
	return true
}

func (p *Pipeline) release(policyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, policyID)
}
