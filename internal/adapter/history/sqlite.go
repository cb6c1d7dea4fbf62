// Package history persists an append-only audit trail of notifications.
// The in-memory hub remains the sole owner of live notification state; this
// store only records what happened, for inspection after the fact.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentbridge/internal/domain"
)

// Store is a SQLite-backed notification history.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			priority    TEXT NOT NULL,
			text        TEXT NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			category    TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one notification. Failures are returned, not fatal: the
// caller logs and moves on, history is best-effort.
func (s *Store) Append(n domain.Notification) error {
	metadata := "{}"
	if len(n.Metadata) > 0 {
		data, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO notifications (id, kind, priority, text, source, category, metadata, created_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Kind), string(n.Priority), n.Text, n.Source, n.Category,
		metadata, n.CreatedAt.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// Recent returns up to limit most recently recorded notifications, newest first.
func (s *Store) Recent(limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, kind, priority, text, source, category, metadata, created_at
		FROM notifications ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var kind, priority, metadata, createdAt string
		if err := rows.Scan(&n.ID, &kind, &priority, &n.Text, &n.Source, &n.Category, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		n.Kind = domain.NotificationKind(kind)
		n.Priority = domain.Priority(priority)
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &n.Metadata)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			n.CreatedAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
