// Package testutil provides testing utilities for the bridge. It contains a
// mock Home Assistant WebSocket server for integration tests: the auth
// handshake, get_states, subscribe_events, and state_changed broadcasts.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server      *http.Server
	listener    net.Listener
	states      map[string]*EntityState
	statesMu    sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	token       string
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// NewMockHAServer creates a new mock HA server
func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		states:      make(map[string]*EntityState),
		connections: make([]*connWrapper, 0),
		token:       token,
	}
}

// Start starts the mock server on an ephemeral port
func (s *MockHAServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()
	return nil
}

// URL returns the WebSocket URL clients should dial
func (s *MockHAServer) URL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.listener.Addr().String())
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState sets a state and broadcasts a state_changed event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// SeedState stores a state without broadcasting, for pre-test setup
func (s *MockHAServer) SeedState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	now := time.Now()
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	// Send auth_required
	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_required"})
	wrapper.writeMu.Unlock()

	// Receive auth
	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.writeMu.Lock()
		conn.WriteJSON(Message{Type: "auth_invalid"})
		wrapper.writeMu.Unlock()
		return
	}

	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_ok"})
	wrapper.writeMu.Unlock()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}

		switch req.Type {
		case "subscribe_events":
			s.acknowledge(wrapper, req.ID, nil)
		case "get_states":
			s.handleGetStates(wrapper, req.ID)
		default:
			// Acknowledge unknown requests to prevent client timeouts
			s.acknowledge(wrapper, req.ID, nil)
		}
	}
}

func (s *MockHAServer) acknowledge(wrapper *connWrapper, id int, result json.RawMessage) {
	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Result:  result,
	})
	wrapper.writeMu.Unlock()
}

// handleGetStates responds with every known entity state
func (s *MockHAServer) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	s.acknowledge(wrapper, id, statesJSON)
}

// broadcastStateChange broadcasts a state change event to all connections
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	eventData := StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	}

	eventDataJSON, _ := json.Marshal(eventData)

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      eventDataJSON,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(msg)
		wrapper.writeMu.Unlock()
	}
}
