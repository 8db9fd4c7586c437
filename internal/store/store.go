// Package store persists policy chunks and chat sessions in SQLite.
// Vector search uses the sqlite-vec extension when compiled in, with an
// exact brute-force cosine scan as the fallback.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"policyguard/internal/logging"
	"policyguard/internal/policy"
)

// =============================================================================
// CHUNK STORE
// =============================================================================

// ChunkStore is the per-policy chunk repository. All embeddings in a store
// share one dimensionality; a mismatched insert or query is rejected with
// ErrDimensionMismatch, never truncated.
type ChunkStore struct {
	db        *sql.DB
	dbPath    string
	dim       int
	vectorExt bool // sqlite-vec vec0 available
}

// New opens (creating if necessary) the store at path with embedding
// dimension dim.
func New(path string, dim int) (*ChunkStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: store dimension must be positive, got %d", policy.ErrDimensionMismatch, dim)
	}

	logging.Store("opening chunk store at %s (dim=%d)", path, dim)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &ChunkStore{db: db, dbPath: path, dim: dim}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		if err := s.initVecTable(); err != nil {
			logging.Store("vec0 table init failed, falling back to brute-force search: %v", err)
			s.vectorExt = false
		} else {
			logging.Store("sqlite-vec extension detected and enabled")
		}
	} else {
		logging.Store("sqlite-vec extension not available; using exact brute-force search")
	}

	return s, nil
}

func (s *ChunkStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		text TEXT NOT NULL,
		kind TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		section_title TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL,
		embedding TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(policy_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_policy ON chunks(policy_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_policy_kind ON chunks(policy_id, kind);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		verdict TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for the vec0 module registered by the
// sqlite-vec build tag.
func (s *ChunkStore) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err == nil {
		s.vectorExt = true
		logging.StoreDebug("sqlite-vec version %s", version)
	}
}

func (s *ChunkStore) initVecTable() error {
	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_vec USING vec0(
		policy_id TEXT partition key,
		kind TEXT,
		embedding float[%d] distance_metric=cosine
	)`, s.dim)
	_, err := s.db.Exec(stmt)
	return err
}

// Dimensions returns the store's declared embedding dimension.
func (s *ChunkStore) Dimensions() int { return s.dim }

// Close closes the database.
func (s *ChunkStore) Close() error { return s.db.Close() }

// =============================================================================
// WRITES
// =============================================================================

// PutBatch inserts chunks in one transaction, assigning each a fresh UUID
// and timestamp. The returned ids match the input order. A failure rolls
// back the whole batch.
func (s *ChunkStore) PutBatch(ctx context.Context, chunks []policy.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	for i := range chunks {
		if len(chunks[i].Embedding) != s.dim {
			return nil, fmt.Errorf("%w: chunk %d has dimension %d, store requires %d",
				policy.ErrDimensionMismatch, i, len(chunks[i].Embedding), s.dim)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
		(id, policy_id, text, kind, page_number, section_title, position, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		id := uuid.NewString()
		embJSON, err := json.Marshal(ch.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to encode embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id, ch.PolicyID, ch.Text, string(ch.Kind),
			ch.PageNumber, ch.SectionTitle, ch.Position, string(embJSON), now); err != nil {
			return nil, fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
		if s.vectorExt {
			var rowid int64
			if err := tx.QueryRowContext(ctx, "SELECT rowid FROM chunks WHERE id = ?", id).Scan(&rowid); err != nil {
				return nil, fmt.Errorf("failed to resolve rowid: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunks_vec(rowid, policy_id, kind, embedding) VALUES (?, ?, ?, ?)",
				rowid, ch.PolicyID, string(ch.Kind), string(embJSON)); err != nil {
				return nil, fmt.Errorf("failed to index chunk %d: %w", i, err)
			}
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	logging.Store("inserted %d chunks for policy %s", len(chunks), chunks[0].PolicyID)
	return ids, nil
}

// DeletePolicy removes every chunk of a policy atomically. Deleting an
// unknown policy is a no-op.
func (s *ChunkStore) DeletePolicy(ctx context.Context, policyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.vectorExt {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks_vec WHERE rowid IN (SELECT rowid FROM chunks WHERE policy_id = ?)",
			policyID); err != nil {
			return fmt.Errorf("failed to delete vector index rows: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE policy_id = ?", policyID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	n, _ := res.RowsAffected()
	logging.Store("deleted policy %s (%d chunks)", policyID, n)
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Fetch returns a chunk by id.
func (s *ChunkStore) Fetch(ctx context.Context, id string) (policy.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, policy_id, text, kind, page_number,
		section_title, position, embedding, created_at FROM chunks WHERE id = ?`, id)
	ch, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return policy.Chunk{}, fmt.Errorf("%w: chunk %s", policy.ErrNotFound, id)
	}
	return ch, err
}

// Count returns the number of chunks stored for a policy, optionally
// restricted to the given kinds.
func (s *ChunkStore) Count(ctx context.Context, policyID string, kinds ...policy.Kind) (int, error) {
	query := "SELECT COUNT(*) FROM chunks WHERE policy_id = ?"
	args := []interface{}{policyID}
	if len(kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(",?", len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// PolicyStats summarizes one policy's stored chunks.
type PolicyStats struct {
	PolicyID   string              `json:"policy_id"`
	ChunkCount int                 `json:"chunk_count"`
	Pages      int                 `json:"pages"`
	ByKind     map[policy.Kind]int `json:"by_kind"`
}

// Stats returns per-kind counts and page span for a policy.
func (s *ChunkStore) Stats(ctx context.Context, policyID string) (PolicyStats, error) {
	stats := PolicyStats{PolicyID: policyID, ByKind: make(map[policy.Kind]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM chunks WHERE policy_id = ? GROUP BY kind", policyID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, err
		}
		stats.ByKind[policy.Kind(kind)] = n
		stats.ChunkCount += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.ChunkCount == 0 {
		return stats, fmt.Errorf("%w: policy %s", policy.ErrNotFound, policyID)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT page_number) FROM chunks WHERE policy_id = ?", policyID).Scan(&stats.Pages)
	return stats, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (policy.Chunk, error) {
	var (
		ch      policy.Chunk
		kind    string
		embJSON string
		created string
	)
	if err := row.Scan(&ch.ID, &ch.PolicyID, &ch.Text, &kind, &ch.PageNumber,
		&ch.SectionTitle, &ch.Position, &embJSON, &created); err != nil {
		return ch, err
	}
	ch.Kind = policy.Kind(kind)
	if err := json.Unmarshal([]byte(embJSON), &ch.Embedding); err != nil {
		return ch, fmt.Errorf("failed to decode embedding for chunk %s: %w", ch.ID, err)
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		ch.CreatedAt = t
	}
	return ch, nil
}
