// Package status tracks the last successful collector contact per monitor,
// for display. It is fed by the dispatcher signal each monitor publishes on.
package status

import (
	"sync"
	"time"

	"leakbridge/internal/dispatcher"
	"leakbridge/internal/monitor"

	"go.uber.org/zap"
)

// Board holds the latest contact timestamp per tracked entry.
type Board struct {
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	mu          sync.RWMutex
	lastContact map[string]time.Time
	subs        map[string]dispatcher.Subscription
}

// NewBoard creates an empty status board
func NewBoard(disp *dispatcher.Dispatcher, logger *zap.Logger) *Board {
	return &Board{
		dispatcher:  disp,
		logger:      logger.Named("status"),
		lastContact: make(map[string]time.Time),
		subs:        make(map[string]dispatcher.Subscription),
	}
}

// Track starts following contact updates for a configuration entry
func (b *Board) Track(entryID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[entryID]; ok {
		return
	}

	b.subs[entryID] = b.dispatcher.Connect(monitor.UpdateSignal(entryID), func(payload interface{}) {
		t, ok := payload.(time.Time)
		if !ok {
			b.logger.Warn("Unexpected payload on update signal", zap.String("entry_id", entryID))
			return
		}
		b.mu.Lock()
		b.lastContact[entryID] = t
		b.mu.Unlock()
	})
}

// Untrack stops following an entry and forgets its timestamp
func (b *Board) Untrack(entryID string) {
	b.mu.Lock()
	sub := b.subs[entryID]
	delete(b.subs, entryID)
	delete(b.lastContact, entryID)
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// LastContact returns the ISO timestamp of the latest contact for an entry.
// ok is false when no contact has been recorded yet.
func (b *Board) LastContact(entryID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.lastContact[entryID]
	if !ok {
		return "", false
	}
	return t.UTC().Format("2006-01-02T15:04:05Z"), true
}

// Snapshot returns the last-contact ISO timestamp for every tracked entry;
// entries without a contact yet map to an empty string.
func (b *Board) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(b.subs))
	for entryID := range b.subs {
		if t, ok := b.lastContact[entryID]; ok {
			out[entryID] = t.UTC().Format("2006-01-02T15:04:05Z")
		} else {
			out[entryID] = ""
		}
	}
	return out
}
