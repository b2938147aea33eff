package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"leakbridge/internal/clock"
	"leakbridge/internal/collector"
	"leakbridge/internal/dispatcher"
	"leakbridge/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testEntity = "binary_sensor.cellar_leak"

// capture records the JSON payloads a test collector receives.
type capture struct {
	mu       sync.Mutex
	status   int
	requests []capturedRequest
}

type capturedRequest struct {
	Path string
	Body map[string]interface{}
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)

		c.mu.Lock()
		c.requests = append(c.requests, capturedRequest{Path: r.URL.Path, Body: body})
		status := c.status
		c.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *capture) request(i int) capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

type fixture struct {
	mockHA   *ha.MockClient
	clk      *clock.MockClock
	disp     *dispatcher.Dispatcher
	cap      *capture
	monitor  *Monitor
	signals  *signalCounter
	teardown func()
}

// signalCounter counts dispatcher deliveries for the monitor's update signal.
type signalCounter struct {
	mu    sync.Mutex
	count int
}

func (s *signalCounter) inc() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *signalCounter) get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	cap := &capture{status: http.StatusOK}
	srv := httptest.NewServer(cap.handler())

	mockHA := ha.NewMockClient()
	clk := clock.NewMockClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	disp := dispatcher.New()
	coll := collector.NewClient(srv.URL, clk, zap.NewNop())

	if cfg.EntryID == "" {
		cfg.EntryID = "entry-1"
	}
	if cfg.Token == "" {
		cfg.Token = "secret-token"
	}
	if cfg.EntityID == "" {
		cfg.EntityID = testEntity
	}

	m := New(cfg, mockHA, coll, disp, clk, zap.NewNop())

	signals := &signalCounter{}
	disp.Connect(UpdateSignal(cfg.EntryID), func(interface{}) { signals.inc() })

	f := &fixture{
		mockHA:  mockHA,
		clk:     clk,
		disp:    disp,
		cap:     cap,
		monitor: m,
		signals: signals,
	}
	f.teardown = func() {
		m.Stop()
		srv.Close()
	}
	t.Cleanup(f.teardown)
	return f
}

func waitForRequests(t *testing.T, cap *capture, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return cap.count() >= n },
		2*time.Second, 5*time.Millisecond)
}

func TestStateChangeIntoTriggerStateSendsEvent(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.mockHA.SimulateStateChange(testEntity, "Leak")

	waitForRequests(t, f.cap, 1)
	req := f.cap.request(0)
	assert.Equal(t, "/event", req.Path)
	assert.Equal(t, "state_change", req.Body["type"])
	assert.Equal(t, "leak", req.Body["new_state"], "value is normalized lower-case")
	assert.Equal(t, "state", req.Body["attribute"])
	assert.Equal(t, "secret-token", req.Body["token"])
	assert.Equal(t, testEntity, req.Body["entity_id"])
	assert.Equal(t, "2026-03-14T12:00:00Z", req.Body["timestamp"])
}

func TestNonTriggerChangeIsIgnored(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.mockHA.SimulateStateChange(testEntity, "damp")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.cap.count())
}

func TestCaseOnlyChangeIsIgnored(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "leak", nil)
	require.NoError(t, f.monitor.Start())

	// Start already fired the initial event for the matching state
	waitForRequests(t, f.cap, 1)

	f.mockHA.SimulateStateChange(testEntity, "LEAK")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.cap.count(), "case-only transition must not fire")
}

func TestInitialStateAlreadyTriggering(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "Leak", nil)

	require.NoError(t, f.monitor.Start())

	waitForRequests(t, f.cap, 1)
	req := f.cap.request(0)
	assert.Equal(t, "/event", req.Path)
	assert.Equal(t, "leak", req.Body["new_state"])
}

func TestInitialStateNotTriggeringSendsNothing(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)

	require.NoError(t, f.monitor.Start())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.cap.count())
}

func TestEmptyTriggerSetFiresOnAnyChange(t *testing.T) {
	f := newFixture(t, Config{})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	// Empty set also matches the initial state
	waitForRequests(t, f.cap, 1)

	f.mockHA.SimulateStateChange(testEntity, "damp")
	waitForRequests(t, f.cap, 2)
	assert.Equal(t, "damp", f.cap.request(1).Body["new_state"])
}

func TestAttributeWatching(t *testing.T) {
	f := newFixture(t, Config{Attribute: "moisture", TriggerStates: []string{"high"}})
	f.mockHA.SetStateQuietly(testEntity, "on", map[string]interface{}{"moisture": "low"})
	require.NoError(t, f.monitor.Start())

	f.mockHA.SetState(testEntity, "on", map[string]interface{}{"moisture": "High"})

	waitForRequests(t, f.cap, 1)
	req := f.cap.request(0)
	assert.Equal(t, "moisture", req.Body["attribute"])
	assert.Equal(t, "high", req.Body["new_state"])
}

func TestMissingAttributeIgnored(t *testing.T) {
	f := newFixture(t, Config{Attribute: "moisture", TriggerStates: []string{"high"}})
	f.mockHA.SetStateQuietly(testEntity, "on", nil)
	require.NoError(t, f.monitor.Start())

	f.mockHA.SetState(testEntity, "off", nil)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.cap.count())
}

func TestSuccessUpdatesContactRecordAndPublishesOnce(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.mockHA.SimulateStateChange(testEntity, "leak")

	require.Eventually(t, func() bool { return f.signals.get() >= 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.signals.get(), "exactly one republish per successful send")

	record := f.monitor.Record()
	assert.False(t, record.LastContactTime.IsZero())
	assert.Equal(t, record.LastEventTime, record.LastContactTime)
	assert.Equal(t, "leak", record.LastEventValue)
	assert.True(t, record.LastHeartbeatTime.IsZero())
}

func TestDeliveryFailureLeavesContactRecordUntouched(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.cap.status = http.StatusInternalServerError
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.mockHA.SimulateStateChange(testEntity, "leak")

	// All three attempts must land before we assert
	waitForRequests(t, f.cap, 3)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 3, f.cap.count(), "retry budget is exactly 3 attempts")
	record := f.monitor.Record()
	assert.True(t, record.LastContactTime.IsZero())
	assert.Equal(t, 0, f.signals.get())
}

func TestHeartbeatPerInterval(t *testing.T) {
	f := newFixture(t, Config{
		TriggerStates:     []string{"leak"},
		HeartbeatInterval: 5 * time.Second,
	})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.clk.Advance(5 * time.Second)
	waitForRequests(t, f.cap, 1)

	f.clk.Advance(10 * time.Second)
	waitForRequests(t, f.cap, 3)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, f.cap.count(), "one heartbeat per interval tick")

	req := f.cap.request(0)
	assert.Equal(t, "/heartbeat", req.Path)
	assert.Equal(t, "heartbeat", req.Body["type"])
	assert.Equal(t, "dry", req.Body["current_state"], "current value carried verbatim")

	record := f.monitor.Record()
	assert.False(t, record.LastHeartbeatTime.IsZero())
	assert.Equal(t, record.LastHeartbeatTime, record.LastContactTime)
}

func TestHeartbeatOmitsCurrentStateWhenValueAbsent(t *testing.T) {
	f := newFixture(t, Config{
		Attribute:         "moisture",
		HeartbeatInterval: 5 * time.Second,
	})
	f.mockHA.SetStateQuietly(testEntity, "on", nil) // attribute missing

	require.NoError(t, f.monitor.Start())

	// Swallow the initial event fired by the empty trigger set: none comes,
	// because the attribute has no value.
	f.clk.Advance(5 * time.Second)
	waitForRequests(t, f.cap, 1)

	req := f.cap.request(0)
	assert.Equal(t, "/heartbeat", req.Path)
	_, present := req.Body["current_state"]
	assert.False(t, present, "current_state must be omitted when absent")
}

func TestZeroIntervalDisablesHeartbeats(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.clk.Advance(time.Hour)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.cap.count())
}

func TestStopIsIdempotentAndUnsubscribes(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())
	require.Equal(t, 1, f.mockHA.SubscriberCount(testEntity))

	f.monitor.Stop()
	assert.Equal(t, 0, f.mockHA.SubscriberCount(testEntity))

	assert.NotPanics(t, func() { f.monitor.Stop() })
	assert.Equal(t, 0, f.mockHA.SubscriberCount(testEntity))
}

func TestStoppedMonitorCannotRestart(t *testing.T) {
	f := newFixture(t, Config{})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())
	f.monitor.Stop()

	assert.Error(t, f.monitor.Start(), "a stopped monitor is terminal")
}

func TestStopPreventsNewSends(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.monitor.Stop()
	// The mock has dropped the subscription, so exercise the handler
	// directly the way a late callback would.
	f.monitor.OnStateChanged(testEntity, nil, &ha.State{EntityID: testEntity, State: "leak"})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.cap.count())
}

func TestSendCurrentStateBypassesTriggerSet(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "Dry", nil)
	require.NoError(t, f.monitor.Start())

	require.NoError(t, f.monitor.SendCurrentState())

	waitForRequests(t, f.cap, 1)
	req := f.cap.request(0)
	assert.Equal(t, "/event", req.Path)
	assert.Equal(t, "dry", req.Body["new_state"], "non-trigger value still sent, normalized")
}

func TestSendCurrentStateMissingEntity(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.monitor.Start())

	err := f.monitor.SendCurrentState()
	assert.ErrorIs(t, err, ErrEntityNotFound)
	assert.Equal(t, 0, f.cap.count())
}

func TestSendHeartbeatManual(t *testing.T) {
	f := newFixture(t, Config{TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	f.monitor.SendHeartbeat()

	waitForRequests(t, f.cap, 1)
	assert.Equal(t, "/heartbeat", f.cap.request(0).Path)
}

func TestDiagnosticsRedactsToken(t *testing.T) {
	f := newFixture(t, Config{Token: "abcdef123456", TriggerStates: []string{"leak"}})
	f.mockHA.SetStateQuietly(testEntity, "dry", nil)
	require.NoError(t, f.monitor.Start())

	diag := f.monitor.Diagnostics()
	assert.Equal(t, "abcd****", diag.Token)
	assert.Equal(t, testEntity, diag.EntityID)
	assert.Equal(t, "state", diag.Attribute)
	assert.Empty(t, diag.LastContactTime, "zero times are omitted")
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "abcd****", RedactToken("abcdef"))
	assert.Equal(t, "****", RedactToken("abc"))
	assert.Equal(t, "****", RedactToken(""))
}
