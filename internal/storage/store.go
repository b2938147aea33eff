// Package storage persists one configuration entry per monitored entity:
// collector URL, token, entity id, attribute, trigger list, and heartbeat
// interval. Entries survive restarts so pairing happens once.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entry does not exist
	ErrNotFound = errors.New("entry not found")
	// ErrDuplicateEntry is returned when an entry for the same collector
	// URL, entity, and attribute already exists
	ErrDuplicateEntry = errors.New("duplicate entry")
)

// Entry is a persisted monitor configuration record.
type Entry struct {
	ID                string
	CollectorURL      string // canonical form
	Token             string
	EntityID          string
	Attribute         string // empty means the primary state value
	TriggerStates     []string
	HeartbeatInterval int // seconds; zero disables heartbeats
	CreatedAt         time.Time
}

// Store defines the persistence operations for configuration entries.
type Store interface {
	// CreateEntry saves a new entry; ErrDuplicateEntry if one already
	// exists for the same (collector URL, entity, attribute)
	CreateEntry(ctx context.Context, entry *Entry) error

	// GetEntry fetches an entry by ID; ErrNotFound if absent
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// FindEntry fetches the entry for a (collector URL, entity, attribute)
	// key; ErrNotFound if absent
	FindEntry(ctx context.Context, collectorURL, entityID, attribute string) (*Entry, error)

	// ListEntries returns all entries ordered by creation time
	ListEntries(ctx context.Context) ([]Entry, error)

	// FindToken returns the token of any stored entry for the given
	// canonical collector URL, allowing reuse across monitored entities;
	// ErrNotFound when no entry for that collector exists
	FindToken(ctx context.Context, collectorURL string) (string, error)

	// UpdateToken replaces the token on an existing entry (re-pairing)
	UpdateToken(ctx context.Context, id, token string) error

	// DeleteEntry removes an entry; deleting a missing entry is a no-op
	DeleteEntry(ctx context.Context, id string) error

	// Close releases the underlying resources
	Close() error
}
