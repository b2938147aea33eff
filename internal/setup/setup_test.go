package setup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"leakbridge/internal/clock"
	"leakbridge/internal/config"
	"leakbridge/internal/dispatcher"
	"leakbridge/internal/ha"
	"leakbridge/internal/monitor"
	"leakbridge/internal/status"
	"leakbridge/internal/storage"
	"leakbridge/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	manager  *Manager
	store    storage.Store
	registry *monitor.Registry
	board    *status.Board
	mockHA   *ha.MockClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mockHA := ha.NewMockClient()
	disp := dispatcher.New()
	board := status.NewBoard(disp, zap.NewNop())
	registry := monitor.NewRegistry()
	t.Cleanup(registry.StopAll)
	clk := clock.NewMockClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))

	return &harness{
		manager:  NewManager(mockHA, store, registry, disp, board, clk, zap.NewNop()),
		store:    store,
		registry: registry,
		board:    board,
		mockHA:   mockHA,
	}
}

// pairingServer answers /pair with the given token and counts exchanges.
func pairingServer(t *testing.T, token string, count *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pair" {
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(count, 1)
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestApplyPairsAndPersists(t *testing.T) {
	h := newHarness(t)
	var pairings int32
	srv := pairingServer(t, "abc123", &pairings)

	err := h.manager.Apply(context.Background(), []config.MonitorConfig{{
		CollectorURL:  srv.URL + "/",
		PairingCode:   "1234",
		EntityID:      "binary_sensor.cellar_leak",
		TriggerStates: []string{"Leak"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pairings))

	entries, err := h.store.ListEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "abc123", entries[0].Token)
	assert.Equal(t, srv.URL, entries[0].CollectorURL, "stored URL is canonical")
	assert.Equal(t, []string{"leak"}, entries[0].TriggerStates)
	assert.Equal(t, config.DefaultHeartbeatInterval, entries[0].HeartbeatInterval)

	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, 1, h.mockHA.SubscriberCount("binary_sensor.cellar_leak"))
}

func TestApplyReusesTokenForSameCollector(t *testing.T) {
	h := newHarness(t)
	var pairings int32
	srv := pairingServer(t, "abc123", &pairings)

	err := h.manager.Apply(context.Background(), []config.MonitorConfig{
		{
			CollectorURL: srv.URL,
			PairingCode:  "1234",
			EntityID:     "binary_sensor.cellar_leak",
		},
		{
			CollectorURL: srv.URL + "/", // same collector after canonicalization
			PairingCode:  "9999",
			EntityID:     "sensor.water_meter",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&pairings),
		"second entity reuses the stored token instead of re-pairing")

	entries, err := h.store.ListEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Token, entries[1].Token)
}

func TestApplyValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		cfg  config.MonitorConfig
	}{
		{
			name: "missing auth",
			cfg: config.MonitorConfig{
				CollectorURL: "https://collector.example.com",
				EntityID:     "binary_sensor.cellar_leak",
			},
		},
		{
			name: "missing entity",
			cfg: config.MonitorConfig{
				CollectorURL: "https://collector.example.com",
				Token:        "tok",
			},
		},
		{
			name: "missing collector url",
			cfg: config.MonitorConfig{
				Token:    "tok",
				EntityID: "binary_sensor.cellar_leak",
			},
		},
		{
			name: "invalid collector url",
			cfg: config.MonitorConfig{
				CollectorURL: "not-a-url",
				Token:        "tok",
				EntityID:     "binary_sensor.cellar_leak",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.manager.Apply(context.Background(), []config.MonitorConfig{tt.cfg})
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	entries, err := h.store.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed setups must not persist anything")
	assert.Equal(t, 0, h.registry.Len())
}

func TestApplyPairingFailureCreatesNoEntry(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	err := h.manager.Apply(context.Background(), []config.MonitorConfig{{
		CollectorURL: srv.URL,
		PairingCode:  "1234",
		EntityID:     "binary_sensor.cellar_leak",
	}})
	assert.Error(t, err)

	entries, listErr := h.store.ListEntries(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, entries)
	assert.Equal(t, 0, h.registry.Len())
}

func TestApplySkipsAlreadyConfigured(t *testing.T) {
	h := newHarness(t)
	var pairings int32
	srv := pairingServer(t, "abc123", &pairings)

	decl := config.MonitorConfig{
		CollectorURL: srv.URL,
		PairingCode:  "1234",
		EntityID:     "binary_sensor.cellar_leak",
	}

	require.NoError(t, h.manager.Apply(context.Background(), []config.MonitorConfig{decl}))
	require.NoError(t, h.manager.Apply(context.Background(), []config.MonitorConfig{decl}))

	assert.Equal(t, int32(1), atomic.LoadInt32(&pairings))
	entries, err := h.store.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, h.registry.Len())
}

func TestRestoreStartsStoredEntries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateEntry(context.Background(), &storage.Entry{
		ID:                "e1",
		CollectorURL:      "https://collector.example.com",
		Token:             "tok",
		EntityID:          "binary_sensor.cellar_leak",
		TriggerStates:     []string{"leak"},
		HeartbeatInterval: 0,
		CreatedAt:         time.Now().UTC(),
	}))

	require.NoError(t, h.manager.Restore(context.Background()))

	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, 1, h.mockHA.SubscriberCount("binary_sensor.cellar_leak"))
	_, ok := h.registry.Get("e1")
	assert.True(t, ok)
}

func TestTeardown(t *testing.T) {
	h := newHarness(t)
	var pairings int32
	srv := pairingServer(t, "abc123", &pairings)

	require.NoError(t, h.manager.Apply(context.Background(), []config.MonitorConfig{{
		CollectorURL: srv.URL,
		PairingCode:  "1234",
		EntityID:     "binary_sensor.cellar_leak",
	}}))

	entries, err := h.store.ListEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entryID := entries[0].ID

	require.NoError(t, h.manager.Teardown(context.Background(), entryID))

	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 0, h.mockHA.SubscriberCount("binary_sensor.cellar_leak"))
	entries, err = h.store.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyRefreshesDeclaredToken(t *testing.T) {
	h := newHarness(t)
	var pairings int32
	srv := pairingServer(t, "abc123", &pairings)

	decl := config.MonitorConfig{
		CollectorURL: srv.URL,
		PairingCode:  "1234",
		EntityID:     "binary_sensor.cellar_leak",
	}
	require.NoError(t, h.manager.Apply(context.Background(), []config.MonitorConfig{decl}))

	entries, err := h.store.ListEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	oldID := entries[0].ID

	// Re-applying with an explicit new token replaces the stored one and
	// reconstructs the monitor; the entry identity is unchanged.
	decl.Token = "rotated"
	decl.PairingCode = ""
	require.NoError(t, h.manager.Apply(context.Background(), []config.MonitorConfig{decl}))

	assert.Equal(t, int32(1), atomic.LoadInt32(&pairings), "no re-pairing on token refresh")

	entries, err = h.store.ListEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, oldID, entries[0].ID)
	assert.Equal(t, "rotated", entries[0].Token)

	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, 1, h.mockHA.SubscriberCount("binary_sensor.cellar_leak"))
}
