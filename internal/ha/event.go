package ha

import "encoding/json"

// EventType tags the events a subscriber can receive.
type EventType string

const (
	// EventStateChange carries a new upstream state for one entity.
	EventStateChange EventType = "state_change"
	// EventTokenExpired tells a subscriber its token was revoked or expired.
	EventTokenExpired EventType = "token_expired"
	// EventReconnected signals that the upstream connection was re-established
	// and prior ordering is void: clients must refetch full state.
	EventReconnected EventType = "reconnected"
)

// Event is immutable once constructed; the same value is pushed to every
// matching subscriber channel.
type Event struct {
	Type     EventType       `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}
