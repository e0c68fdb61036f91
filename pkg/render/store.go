package render

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists finalized conversation history per session in SQLite.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS turns (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	position     INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	finalized_at INTEGER NOT NULL,
	UNIQUE(session_id, position)
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, position);
`

// OpenStore opens (and migrates) the history database at path. Use
// ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists the session's full history. Existing rows are only ever
// extended: saving a history that diverges from or is shorter than the
// stored one is refused.
func (s *Store) Save(ctx context.Context, sessionID string, entries []Entry) error {
	stored, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(entries) < len(stored) {
		return fmt.Errorf("save refused: new history (%d) shorter than stored (%d)", len(entries), len(stored))
	}
	for i, old := range stored {
		if entries[i].Role != old.Role || entries[i].Content != old.Content {
			return fmt.Errorf("save refused: divergence from stored history at entry %d", i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := len(stored); i < len(entries); i++ {
		e := entries[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, position, role, content, finalized_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, i, string(e.Role), e.Content, e.FinalizedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Load returns the session's stored history in order.
func (s *Store) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, finalized_at FROM turns WHERE session_id = ? ORDER BY position`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var role, content string
		var finalizedAt int64
		if err := rows.Scan(&role, &content, &finalizedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		entries = append(entries, Entry{
			Role:        Role(role),
			Content:     content,
			FinalizedAt: time.UnixMilli(finalizedAt),
		})
	}
	return entries, rows.Err()
}
