package monitor

import "time"

// Diagnostics is a sanitized snapshot of one monitor's configuration and
// delivery history. The token is redacted to a short prefix.
type Diagnostics struct {
	EntryID           string   `json:"entry_id"`
	EntityID          string   `json:"entity_id"`
	CollectorURL      string   `json:"collector_url"`
	Attribute         string   `json:"attribute"`
	Token             string   `json:"token"`
	TriggerStates     []string `json:"trigger_states"`
	HeartbeatInterval int      `json:"heartbeat_interval"`
	LastEventTime     string   `json:"last_event_time,omitempty"`
	LastEventValue    string   `json:"last_event_value,omitempty"`
	LastHeartbeatTime string   `json:"last_heartbeat_time,omitempty"`
	LastContactTime   string   `json:"last_contact_time,omitempty"`
}

// Diagnostics returns the sanitized snapshot for this monitor.
func (m *Monitor) Diagnostics() Diagnostics {
	record := m.Record()

	return Diagnostics{
		EntryID:           m.cfg.EntryID,
		EntityID:          m.cfg.EntityID,
		CollectorURL:      m.collector.BaseURL(),
		Attribute:         m.attributeLabel(),
		Token:             RedactToken(m.cfg.Token),
		TriggerStates:     m.cfg.TriggerStates,
		HeartbeatInterval: int(m.cfg.HeartbeatInterval.Seconds()),
		LastEventTime:     formatTime(record.LastEventTime),
		LastEventValue:    record.LastEventValue,
		LastHeartbeatTime: formatTime(record.LastHeartbeatTime),
		LastContactTime:   formatTime(record.LastContactTime),
	}
}

// RedactToken reduces a token to a four-character prefix. Tokens too short
// to keep a prefix are fully masked.
func RedactToken(token string) string {
	if len(token) > 4 {
		return token[:4] + "****"
	}
	return "****"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
