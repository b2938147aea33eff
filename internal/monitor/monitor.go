// Package monitor owns the watch configuration for one entity: it reacts to
// state changes, schedules heartbeats, delivers payloads through the
// collector client, and republishes last-contact updates.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leakbridge/internal/clock"
	"leakbridge/internal/collector"
	"leakbridge/internal/dispatcher"
	"leakbridge/internal/ha"
	"leakbridge/internal/trigger"

	"go.uber.org/zap"
)

// ErrEntityNotFound is returned by manual sends when the watched entity or
// attribute has no value at that moment.
var ErrEntityNotFound = errors.New("entity or attribute not found")

// UpdateSignal returns the dispatcher signal a monitor publishes its
// last-contact time on.
func UpdateSignal(entryID string) string {
	return "leakbridge_" + entryID + "_update"
}

// Config is the immutable watch configuration of one monitor instance.
type Config struct {
	EntryID           string
	Token             string
	EntityID          string
	Attribute         string // empty means the primary state value
	TriggerStates     []string
	HeartbeatInterval time.Duration // zero disables heartbeats
}

// ContactRecord tracks the most recent successful deliveries. Only the
// latest values are kept, overwritten on each confirmed send.
type ContactRecord struct {
	LastContactTime   time.Time
	LastEventTime     time.Time
	LastEventValue    string
	LastHeartbeatTime time.Time
}

// Monitor watches one entity and posts to one collector. Lifecycle is
// Stopped -> Running -> Stopped; a stopped instance cannot be restarted.
type Monitor struct {
	cfg        Config
	haClient   ha.HAClient
	collector  *collector.Client
	dispatcher *dispatcher.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger

	mu            sync.Mutex
	running       bool
	stopped       bool
	sub           ha.Subscription
	ticker        clock.Ticker
	stopHeartbeat chan struct{}
	record        ContactRecord
}

// New creates a monitor. TriggerStates in cfg are normalized here so every
// comparison afterwards is against lower-cased values.
func New(cfg Config, haClient ha.HAClient, coll *collector.Client, disp *dispatcher.Dispatcher, clk clock.Clock, logger *zap.Logger) *Monitor {
	cfg.TriggerStates = trigger.NormalizeSet(cfg.TriggerStates)
	return &Monitor{
		cfg:        cfg,
		haClient:   haClient,
		collector:  coll,
		dispatcher: disp,
		clock:      clk,
		logger: logger.Named("monitor").With(
			zap.String("entry_id", cfg.EntryID),
			zap.String("entity_id", cfg.EntityID)),
	}
}

// EntryID returns the configuration entry this monitor belongs to
func (m *Monitor) EntryID() string { return m.cfg.EntryID }

// EntityID returns the watched entity
func (m *Monitor) EntityID() string { return m.cfg.EntityID }

// Start subscribes to the entity's state changes, schedules heartbeats when
// an interval is configured, and sends an initial event if the current value
// already matches the trigger set.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor %s is already running", m.cfg.EntryID)
	}
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("monitor %s has been stopped", m.cfg.EntryID)
	}
	m.running = true
	m.mu.Unlock()

	sub, err := m.haClient.SubscribeStateChanges(m.cfg.EntityID, m.OnStateChanged)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", m.cfg.EntityID, err)
	}

	m.mu.Lock()
	m.sub = sub
	if m.cfg.HeartbeatInterval > 0 {
		m.ticker = m.clock.NewTicker(m.cfg.HeartbeatInterval)
		m.stopHeartbeat = make(chan struct{})
		go m.heartbeatLoop(m.ticker, m.stopHeartbeat)
	}
	m.mu.Unlock()

	// An entity already sitting in a trigger state would otherwise never be
	// reported, since no change event arrives for it.
	if state, err := m.haClient.GetState(m.cfg.EntityID); err == nil {
		if value, ok := m.extractValue(state); ok {
			norm := trigger.Normalize(value)
			if trigger.Matches(norm, m.cfg.TriggerStates) {
				m.logger.Info("Initial state matches trigger set, sending initial event",
					zap.String("value", norm))
				go m.deliverEvent(norm)
			}
		}
	}

	m.logger.Info("Monitor started",
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		zap.Strings("trigger_states", m.cfg.TriggerStates))
	return nil
}

// Stop unsubscribes and cancels the heartbeat schedule. Idempotent; repeated
// calls are no-ops. In-flight sends are not cancelled and run to completion.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.running = false
	sub := m.sub
	m.sub = nil
	ticker := m.ticker
	m.ticker = nil
	stopCh := m.stopHeartbeat
	m.stopHeartbeat = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if stopCh != nil {
		close(stopCh)
	}

	m.logger.Info("Monitor stopped")
}

// OnStateChanged is the state-change entry point. It evaluates the
// transition against the trigger set and schedules an event send when it
// qualifies. An absent new value is ignored.
func (m *Monitor) OnStateChanged(entityID string, oldState, newState *ha.State) {
	if m.isStopped() || newState == nil {
		return
	}

	newValue, ok := m.extractValue(newState)
	if !ok {
		return
	}
	oldValue, hasOld := m.extractValue(oldState)

	if !trigger.ShouldFire(oldValue, hasOld, newValue, m.cfg.TriggerStates) {
		return
	}

	norm := trigger.Normalize(newValue)
	m.logger.Info("Detected qualifying state change",
		zap.String("old", trigger.Normalize(oldValue)),
		zap.String("new", norm))
	go m.deliverEvent(norm)
}

// SendCurrentState reads the live value and forces an event send regardless
// of trigger-set membership. Reports ErrEntityNotFound when the entity or
// attribute has no value; delivery failures are not surfaced.
func (m *Monitor) SendCurrentState() error {
	state, err := m.haClient.GetState(m.cfg.EntityID)
	if err != nil {
		m.logger.Error("Cannot send state: entity not found", zap.Error(err))
		return fmt.Errorf("%w: %s", ErrEntityNotFound, m.cfg.EntityID)
	}

	value, ok := m.extractValue(state)
	if !ok {
		m.logger.Error("Cannot send state: attribute not found",
			zap.String("attribute", m.cfg.Attribute))
		return fmt.Errorf("%w: attribute %s on %s", ErrEntityNotFound, m.cfg.Attribute, m.cfg.EntityID)
	}

	m.deliverEvent(trigger.Normalize(value))
	return nil
}

// SendHeartbeat forces an immediate heartbeat send.
func (m *Monitor) SendHeartbeat() {
	m.deliverHeartbeat()
}

// Record returns a snapshot of the contact record.
func (m *Monitor) Record() ContactRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// heartbeatLoop sends a heartbeat per ticker interval until stopped. Each
// send runs in its own goroutine so slow retries never delay the next tick.
func (m *Monitor) heartbeatLoop(ticker clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			go m.deliverHeartbeat()
		}
	}
}

// deliverEvent posts a state-change event and, on confirmed delivery,
// updates the contact record and republishes the new last-contact time.
func (m *Monitor) deliverEvent(value string) {
	payload := collector.EventPayload{
		Token:     m.cfg.Token,
		EntityID:  m.cfg.EntityID,
		Attribute: m.attributeLabel(),
		NewState:  value,
		Timestamp: collector.Timestamp(m.clock.Now()),
		Type:      collector.TypeStateChange,
	}

	if !m.collector.PostEvent(context.Background(), payload) {
		return
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	m.record.LastEventTime = now
	m.record.LastEventValue = value
	m.record.LastContactTime = now
	m.mu.Unlock()

	m.dispatcher.Send(UpdateSignal(m.cfg.EntryID), now)
}

// deliverHeartbeat posts a heartbeat carrying the current value when one is
// readable, and records the contact on success.
func (m *Monitor) deliverHeartbeat() {
	payload := collector.HeartbeatPayload{
		Token:     m.cfg.Token,
		EntityID:  m.cfg.EntityID,
		Timestamp: collector.Timestamp(m.clock.Now()),
		Type:      collector.TypeHeartbeat,
	}
	if state, err := m.haClient.GetState(m.cfg.EntityID); err == nil {
		if value, ok := m.extractValue(state); ok {
			payload.CurrentState = value
		}
	}

	if !m.collector.PostHeartbeat(context.Background(), payload) {
		return
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	m.record.LastHeartbeatTime = now
	m.record.LastContactTime = now
	m.mu.Unlock()

	m.dispatcher.Send(UpdateSignal(m.cfg.EntryID), now)
	m.logger.Debug("Heartbeat sent")
}

// extractValue reads the watched value from a state: the named attribute
// when configured, the primary state value otherwise. ok is false when the
// state or attribute is absent.
func (m *Monitor) extractValue(state *ha.State) (string, bool) {
	if state == nil {
		return "", false
	}
	if m.cfg.Attribute == "" {
		return state.State, true
	}
	raw, ok := state.Attributes[m.cfg.Attribute]
	if !ok || raw == nil {
		return "", false
	}
	return fmt.Sprintf("%v", raw), true
}

func (m *Monitor) attributeLabel() string {
	if m.cfg.Attribute == "" {
		return collector.StateAttribute
	}
	return m.cfg.Attribute
}

func (m *Monitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
