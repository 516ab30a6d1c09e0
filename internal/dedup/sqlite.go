package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists dedup entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the dedup database at dsn and runs migrations.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	// Pooled connections to ":memory:" would each get their own database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS seen_envelopes (
			id TEXT PRIMARY KEY,
			seen_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_seen_envelopes_seen_at ON seen_envelopes(seen_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// Load returns entries seen at or after since, oldest first.
func (s *SQLiteStore) Load(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seen_at FROM seen_envelopes WHERE seen_at >= ? ORDER BY seen_at ASC`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query seen envelopes: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			id string
			ns int64
		)
		if err := rows.Scan(&id, &ns); err != nil {
			return nil, fmt.Errorf("scan seen envelope: %w", err)
		}
		out = append(out, Entry{ID: id, Seen: time.Unix(0, ns)})
	}
	return out, rows.Err()
}

// Record stores e. Recording an existing id refreshes its timestamp.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_envelopes (id, seen_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET seen_at = excluded.seen_at`,
		e.ID, e.Seen.UnixNano())
	if err != nil {
		return fmt.Errorf("record seen envelope: %w", err)
	}
	return nil
}

// Prune deletes entries seen before the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM seen_envelopes WHERE seen_at < ?`, before.UnixNano()); err != nil {
		return fmt.Errorf("prune seen envelopes: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
