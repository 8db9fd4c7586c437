package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"policyguard/internal/policy"
)

// =============================================================================
// SESSIONS
// =============================================================================

// Session binds a chat transcript to one policy.
type Session struct {
	ID        string    `json:"id"`
	PolicyID  string    `json:"policy_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one transcript entry. Verdict is set on assistant turns that
// produced a structured verdict.
type Message struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Verdict   *policy.Verdict `json:"verdict,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateSession creates a session bound to a policy and returns it.
func (s *ChunkStore) CreateSession(ctx context.Context, policyID string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		PolicyID:  policyID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, policy_id, created_at) VALUES (?, ?, ?)",
		sess.ID, sess.PolicyID, sess.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *ChunkStore) GetSession(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		created string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, policy_id, created_at FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &sess.PolicyID, &created)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("%w: session %s", policy.ErrNotFound, id)
	}
	if err != nil {
		return Session{}, err
	}
	if t, perr := time.Parse(time.RFC3339, created); perr == nil {
		sess.CreatedAt = t
	}
	return sess, nil
}

// AppendMessage appends one transcript entry.
func (s *ChunkStore) AppendMessage(ctx context.Context, sessionID, role, content string, verdict *policy.Verdict) error {
	var verdictJSON sql.NullString
	if verdict != nil {
		data, err := json.Marshal(verdict)
		if err != nil {
			return fmt.Errorf("failed to encode verdict: %w", err)
		}
		verdictJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (session_id, role, content, verdict, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, role, content, verdictJSON, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Messages returns a session's transcript in insertion order.
func (s *ChunkStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, verdict, created_at FROM messages WHERE session_id = ? ORDER BY id",
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			verdict sql.NullString
			created string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &verdict, &created); err != nil {
			return nil, err
		}
		if verdict.Valid {
			var v policy.Verdict
			if err := json.Unmarshal([]byte(verdict.String), &v); err == nil {
				m.Verdict = &v
			}
		}
		if t, perr := time.Parse(time.RFC3339, created); perr == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
