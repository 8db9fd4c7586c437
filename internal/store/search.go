package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"policyguard/internal/embedding"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// SIMILARITY SEARCH
// =============================================================================

// SearchQuery selects chunks for similarity ranking. PolicyID is mandatory:
// search never crosses policies. Kinds narrows the candidate set; empty
// means all kinds.
type SearchQuery struct {
	PolicyID string
	Kinds    []policy.Kind
	Vector   []float32
	K        int
}

// Similar returns the top-K chunks of one policy ranked by similarity.
// Score is (1+cos)/2 in [0,1]; ties break by document position ascending.
// Policy and kind filters are SQL predicates, applied before ranking.
func (s *ChunkStore) Similar(ctx context.Context, q SearchQuery) ([]policy.ScoredChunk, error) {
	if q.PolicyID == "" {
		return nil, fmt.Errorf("%w: search requires a policy id", policy.ErrPolicyIsolation)
	}
	if len(q.Vector) != s.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, store requires %d",
			policy.ErrDimensionMismatch, len(q.Vector), s.dim)
	}
	if q.K <= 0 {
		q.K = 10
	}

	var (
		results []policy.ScoredChunk
		err     error
	)
	if s.vectorExt {
		results, err = s.searchVec(ctx, q)
	} else {
		results, err = s.searchBrute(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	// Isolation is a checked invariant, not an assumption.
	for _, r := range results {
		if r.Chunk.PolicyID != q.PolicyID {
			logging.Audit("policy isolation violation: query for %s returned chunk %s of %s",
				q.PolicyID, r.Chunk.ID, r.Chunk.PolicyID)
			return nil, fmt.Errorf("%w: chunk %s belongs to policy %s",
				policy.ErrPolicyIsolation, r.Chunk.ID, r.Chunk.PolicyID)
		}
	}

	logging.StoreDebug("similar: policy=%s kinds=%v k=%d -> %d results", q.PolicyID, q.Kinds, q.K, len(results))
	return results, nil
}

func kindArgs(kinds []policy.Kind) (string, []interface{}) {
	if len(kinds) == 0 {
		return "", nil
	}
	ph := make([]string, len(kinds))
	args := make([]interface{}, len(kinds))
	for i, k := range kinds {
		ph[i] = "?"
		args[i] = string(k)
	}
	return fmt.Sprintf(" AND kind IN (%s)", strings.Join(ph, ",")), args
}

// searchVec ranks through the vec0 ANN index. The partition key keeps the
// scan inside one policy; cosine distance d maps to score (2-d)/2.
func (s *ChunkStore) searchVec(ctx context.Context, q SearchQuery) ([]policy.ScoredChunk, error) {
	vecJSON, err := json.Marshal(q.Vector)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query vector: %w", err)
	}

	kindClause, kindVals := kindArgs(q.Kinds)
	query := `SELECT c.id, c.policy_id, c.text, c.kind, c.page_number, c.section_title,
		c.position, c.embedding, c.created_at, v.distance
		FROM chunks_vec v JOIN chunks c ON c.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ? AND v.policy_id = ?` +
		strings.ReplaceAll(kindClause, "kind", "v.kind") +
		` ORDER BY v.distance, c.position`

	args := append([]interface{}{string(vecJSON), q.K, q.PolicyID}, kindVals...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var results []policy.ScoredChunk
	for rows.Next() {
		var (
			ch       policy.Chunk
			kind     string
			embJSON  string
			created  string
			distance float64
		)
		if err := rows.Scan(&ch.ID, &ch.PolicyID, &ch.Text, &kind, &ch.PageNumber,
			&ch.SectionTitle, &ch.Position, &embJSON, &created, &distance); err != nil {
			return nil, err
		}
		ch.Kind = policy.Kind(kind)
		if err := json.Unmarshal([]byte(embJSON), &ch.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for chunk %s: %w", ch.ID, err)
		}
		results = append(results, policy.ScoredChunk{Chunk: ch, Score: (2 - distance) / 2})
	}
	return results, rows.Err()
}

// searchBrute scans the policy's filtered chunks and ranks by exact cosine.
func (s *ChunkStore) searchBrute(ctx context.Context, q SearchQuery) ([]policy.ScoredChunk, error) {
	kindClause, kindVals := kindArgs(q.Kinds)
	query := `SELECT id, policy_id, text, kind, page_number, section_title,
		position, embedding, created_at FROM chunks WHERE policy_id = ?` + kindClause

	args := append([]interface{}{q.PolicyID}, kindVals...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("brute-force search failed: %w", err)
	}
	defer rows.Close()

	var results []policy.ScoredChunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		cos, err := embedding.CosineSimilarity(q.Vector, ch.Embedding)
		if err != nil {
			return nil, err
		}
		results = append(results, policy.ScoredChunk{Chunk: ch, Score: embedding.Score(cos)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.Position < results[j].Chunk.Position
	})
	if len(results) > q.K {
		results = results[:q.K]
	}
	return results, nil
}
