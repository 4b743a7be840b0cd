// Package history implements per-session message persistence backed by
// SQLite: one embedded database file holding append-only session
// histories plus per-session usage totals and the active mode key.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oakmoss/steerbot/internal/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	mode_key    TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	FOREIGN KEY (session_key) REFERENCES sessions(session_key)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, id);
`

// Store is a SQLite-backed history store. Safe for concurrent use; the
// underlying *sql.DB is limited to one open connection, so statements
// run one at a time.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool locking story; serialize writes

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSession creates a session row if one doesn't already exist.
func (s *Store) EnsureSession(ctx context.Context, key string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`, key, now, now)
	if err != nil {
		return fmt.Errorf("history: ensure session %s: %w", key, err)
	}
	return nil
}

// AppendMessage appends one message to a session's history and bumps its
// updated_at timestamp.
func (s *Store) AppendMessage(ctx context.Context, key string, msg llm.Message) error {
	if err := s.EnsureSession(ctx, key); err != nil {
		return err
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
		key, msg.Role, msg.Content, now); err != nil {
		return fmt.Errorf("history: append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_key = ?`, now, key); err != nil {
		return fmt.Errorf("history: touch session %s: %w", key, err)
	}
	return nil
}

// History returns up to limit most recent messages for a session, in
// chronological order. limit <= 0 means unlimited.
func (s *Store) History(ctx context.Context, key string, limit int) ([]llm.Message, error) {
	query := `SELECT role, content FROM messages WHERE session_key = ? ORDER BY id DESC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", key, err)
	}
	defer rows.Close()

	var reversed []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]llm.Message, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out, nil
}

// RecentMessages returns up to historySize most recent messages recorded
// under arcKey's wildcard-nick session key, satisfying
// internal/proactive.HistoryProvider for channel-level (rather than
// per-user) history lookups.
func (s *Store) RecentMessages(ctx context.Context, arcKey string, historySize int) ([]llm.Message, error) {
	return s.History(ctx, arcKey+"|*|", historySize)
}

// AccumulateUsage adds prompt/completion token counts to a session's
// running totals.
func (s *Store) AccumulateUsage(ctx context.Context, key string, usage llm.Usage) error {
	if err := s.EnsureSession(ctx, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ? WHERE session_key = ?`,
		usage.PromptTokens, usage.CompletionTokens, key)
	if err != nil {
		return fmt.Errorf("history: accumulate usage %s: %w", key, err)
	}
	return nil
}

// SetModeKey records the mode currently active for a session. The
// coordinator calls it at the start of every run.
func (s *Store) SetModeKey(ctx context.Context, key, modeKey string) error {
	if err := s.EnsureSession(ctx, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET mode_key = ? WHERE session_key = ?`, modeKey, key)
	return err
}

// ModeKey returns the mode currently recorded for a session, or "" if
// unknown.
func (s *Store) ModeKey(ctx context.Context, key string) (string, error) {
	var modeKey string
	err := s.db.QueryRowContext(ctx, `SELECT mode_key FROM sessions WHERE session_key = ?`, key).Scan(&modeKey)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return modeKey, err
}

// TruncateHistory keeps only the most recent keepLast messages for a
// session, discarding the rest.
func (s *Store) TruncateHistory(ctx context.Context, key string, keepLast int) error {
	if keepLast <= 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE session_key = ? AND id NOT IN (
			SELECT id FROM messages WHERE session_key = ? ORDER BY id DESC LIMIT ?
		)`, key, key, keepLast)
	return err
}

// Delete removes a session and all its messages.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}
