package collector

import "time"

// Attribute value used when a monitor watches the primary state rather than
// a named attribute.
const StateAttribute = "state"

// Payload type discriminators.
const (
	TypeStateChange = "state_change"
	TypeHeartbeat   = "heartbeat"
)

// EventPayload is the body of a POST /event request.
type EventPayload struct {
	Token     string `json:"token"`
	EntityID  string `json:"entity_id"`
	Attribute string `json:"attribute"`
	NewState  string `json:"new_state"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// HeartbeatPayload is the body of a POST /heartbeat request. CurrentState is
// omitted when the watched value is absent at send time.
type HeartbeatPayload struct {
	Token        string `json:"token"`
	EntityID     string `json:"entity_id"`
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"`
	CurrentState string `json:"current_state,omitempty"`
}

// pairRequest is the body of a POST /pair request.
type pairRequest struct {
	Code string `json:"code"`
}

// pairResponse is the expected body of a successful pairing response.
type pairResponse struct {
	Token string `json:"token"`
}

// Timestamp formats t the way the collector expects: UTC, second precision,
// trailing Z.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
