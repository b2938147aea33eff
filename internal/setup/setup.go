// Package setup turns monitor declarations into persisted configuration
// entries and running monitors: it validates, pairs with the collector when
// only a code is given, reuses tokens across entities of the same collector,
// and registers the resulting monitors.
package setup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leakbridge/internal/clock"
	"leakbridge/internal/collector"
	"leakbridge/internal/config"
	"leakbridge/internal/dispatcher"
	"leakbridge/internal/ha"
	"leakbridge/internal/monitor"
	"leakbridge/internal/status"
	"leakbridge/internal/storage"
	"leakbridge/internal/trigger"
	"leakbridge/internal/urlutil"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConfiguration is returned when a declaration is missing a required
// field, for example when neither token nor pairing code is supplied.
var ErrConfiguration = errors.New("invalid configuration")

// Manager wires declarations into the store, the registry, and the board.
type Manager struct {
	haClient   ha.HAClient
	store      storage.Store
	registry   *monitor.Registry
	dispatcher *dispatcher.Dispatcher
	board      *status.Board
	clock      clock.Clock
	logger     *zap.Logger
}

// NewManager creates a setup manager
func NewManager(haClient ha.HAClient, store storage.Store, registry *monitor.Registry,
	disp *dispatcher.Dispatcher, board *status.Board, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		haClient:   haClient,
		store:      store,
		registry:   registry,
		dispatcher: disp,
		board:      board,
		clock:      clk,
		logger:     logger.Named("setup"),
	}
}

// Restore starts a monitor for every entry already in the store. Tokens
// persisted at pairing time survive restarts, so no re-pairing happens here.
func (m *Manager) Restore(ctx context.Context) error {
	entries, err := m.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored entries: %w", err)
	}

	for i := range entries {
		if err := m.startEntry(&entries[i]); err != nil {
			m.logger.Error("Failed to restore stored entry",
				zap.String("entry_id", entries[i].ID),
				zap.Error(err))
		}
	}

	m.logger.Info("Restored stored entries", zap.Int("count", len(entries)))
	return nil
}

// Apply sets up each declaration that is not stored yet. Declarations that
// fail validation or pairing are reported but do not block the others.
func (m *Manager) Apply(ctx context.Context, declarations []config.MonitorConfig) error {
	var errs []error
	for i := range declarations {
		if err := m.applyOne(ctx, &declarations[i]); err != nil {
			m.logger.Error("Monitor setup failed",
				zap.String("entity_id", declarations[i].EntityID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", declarations[i].EntityID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyOne(ctx context.Context, mc *config.MonitorConfig) error {
	if mc.CollectorURL == "" {
		return fmt.Errorf("%w: collector_url is required", ErrConfiguration)
	}
	if mc.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrConfiguration)
	}
	if mc.Token == "" && mc.PairingCode == "" {
		return fmt.Errorf("%w: one of token or pairing_code must be provided", ErrConfiguration)
	}

	canonical, err := urlutil.CanonicalBase(mc.CollectorURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// Already stored and running (or restored at boot): nothing to do unless
	// the declaration carries a new token.
	if existing, err := m.store.FindEntry(ctx, canonical, mc.EntityID, mc.Attribute); err == nil {
		if mc.Token != "" && mc.Token != existing.Token {
			return m.refreshToken(ctx, existing, mc.Token)
		}
		m.logger.Debug("Declaration already configured",
			zap.String("entry_id", existing.ID),
			zap.String("entity_id", mc.EntityID))
		if _, running := m.registry.Get(existing.ID); !running {
			return m.startEntry(existing)
		}
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up existing entry: %w", err)
	}

	token, err := m.resolveToken(ctx, canonical, mc)
	if err != nil {
		return err
	}

	entry := &storage.Entry{
		ID:                uuid.NewString(),
		CollectorURL:      canonical,
		Token:             token,
		EntityID:          mc.EntityID,
		Attribute:         mc.Attribute,
		TriggerStates:     trigger.NormalizeSet(mc.TriggerStates),
		HeartbeatInterval: mc.HeartbeatSeconds(),
		CreatedAt:         m.clock.Now().UTC(),
	}
	if err := m.store.CreateEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to persist entry: %w", err)
	}

	m.logger.Info("Configured new monitor",
		zap.String("entry_id", entry.ID),
		zap.String("entity_id", entry.EntityID),
		zap.String("collector_url", entry.CollectorURL))
	return m.startEntry(entry)
}

// resolveToken picks the token in priority order: declared token, a token
// already stored for the same collector, a fresh pairing exchange.
func (m *Manager) resolveToken(ctx context.Context, canonical string, mc *config.MonitorConfig) (string, error) {
	if mc.Token != "" {
		return mc.Token, nil
	}

	token, err := m.store.FindToken(ctx, canonical)
	if err == nil {
		m.logger.Debug("Reusing token from an existing entry",
			zap.String("collector_url", canonical))
		return token, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}

	client := collector.NewClient(canonical, m.clock, m.logger)
	return client.Pair(ctx, mc.PairingCode)
}

// refreshToken replaces a stored entry's token and reconstructs its monitor,
// since monitor configuration is immutable once started.
func (m *Manager) refreshToken(ctx context.Context, entry *storage.Entry, token string) error {
	if err := m.store.UpdateToken(ctx, entry.ID, token); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	entry.Token = token

	if mon := m.registry.Remove(entry.ID); mon != nil {
		mon.Stop()
	}

	m.logger.Info("Token refreshed, restarting monitor",
		zap.String("entry_id", entry.ID),
		zap.String("entity_id", entry.EntityID))
	return m.startEntry(entry)
}

// startEntry constructs, starts, and registers the monitor for an entry.
func (m *Manager) startEntry(entry *storage.Entry) error {
	coll := collector.NewClient(entry.CollectorURL, m.clock, m.logger)
	mon := monitor.New(monitor.Config{
		EntryID:           entry.ID,
		Token:             entry.Token,
		EntityID:          entry.EntityID,
		Attribute:         entry.Attribute,
		TriggerStates:     entry.TriggerStates,
		HeartbeatInterval: time.Duration(entry.HeartbeatInterval) * time.Second,
	}, m.haClient, coll, m.dispatcher, m.clock, m.logger)

	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	m.registry.Insert(mon)
	m.board.Track(entry.ID)
	return nil
}

// Teardown stops and deregisters the monitor for an entry and deletes the
// stored record.
func (m *Manager) Teardown(ctx context.Context, entryID string) error {
	if mon := m.registry.Remove(entryID); mon != nil {
		mon.Stop()
	}
	m.board.Untrack(entryID)

	if err := m.store.DeleteEntry(ctx, entryID); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	m.logger.Info("Tore down monitor", zap.String("entry_id", entryID))
	return nil
}
