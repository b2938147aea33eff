// Package sqlite implements the storage.Store interface on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"leakbridge/internal/storage"
)

// Store implements storage.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dataSourceName and ensures the
// schema is up to date. Use ":memory:" for an ephemeral store in tests.
func New(ctx context.Context, dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_journal_mode=WAL", dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS entries (
	id                 TEXT PRIMARY KEY,
	collector_url      TEXT NOT NULL,
	token              TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	attribute          TEXT NOT NULL DEFAULT '',
	trigger_states     TEXT NOT NULL DEFAULT '[]',
	heartbeat_interval INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	UNIQUE(collector_url, entity_id, attribute)
);
CREATE INDEX IF NOT EXISTS idx_entries_collector_url ON entries (collector_url);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateEntry saves a new configuration entry.
func (s *Store) CreateEntry(ctx context.Context, entry *storage.Entry) error {
	states, err := json.Marshal(entry.TriggerStates)
	if err != nil {
		return fmt.Errorf("failed to encode trigger states: %w", err)
	}

	query := `
INSERT INTO entries (id, collector_url, token, entity_id, attribute, trigger_states, heartbeat_interval, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.CollectorURL, entry.Token, entry.EntityID, entry.Attribute,
		string(states), entry.HeartbeatInterval, entry.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (*storage.Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanEntry(row)
}

// FindEntry fetches the entry matching the unique configuration key.
func (s *Store) FindEntry(ctx context.Context, collectorURL, entityID, attribute string) (*storage.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE collector_url = ? AND entity_id = ? AND attribute = ?`,
		collectorURL, entityID, attribute)
	return scanEntry(row)
}

// ListEntries returns all entries ordered by creation time.
func (s *Store) ListEntries(ctx context.Context) ([]storage.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// FindToken returns the token of any entry stored for the collector URL.
func (s *Store) FindToken(ctx context.Context, collectorURL string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM entries WHERE collector_url = ? ORDER BY created_at LIMIT 1`,
		collectorURL).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	return token, nil
}

// UpdateToken replaces the token on an existing entry.
func (s *Store) UpdateToken(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET token = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteEntry removes an entry. Deleting a missing entry is a no-op.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

const selectColumns = `
SELECT id, collector_url, token, entity_id, attribute, trigger_states, heartbeat_interval, created_at
FROM entries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*storage.Entry, error) {
	var entry storage.Entry
	var states, createdAt string

	err := row.Scan(&entry.ID, &entry.CollectorURL, &entry.Token, &entry.EntityID,
		&entry.Attribute, &states, &entry.HeartbeatInterval, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	if err := json.Unmarshal([]byte(states), &entry.TriggerStates); err != nil {
		return nil, fmt.Errorf("failed to decode trigger states: %w", err)
	}
	entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
