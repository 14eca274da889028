package types

import "encoding/json"

// MessageType names a runtime message exchanged between the edge proxy and
// the application.
type MessageType string

const (
	MutationSynced   MessageType = "MUTATION_SYNCED"
	MutationConflict MessageType = "MUTATION_CONFLICT"
	SyncRequested    MessageType = "SYNC_REQUESTED"

	SkipWaiting    MessageType = "SKIP_WAITING"
	GetCacheStatus MessageType = "GET_CACHE_STATUS"
	ClearCache     MessageType = "CLEAR_CACHE"
	ForceSync      MessageType = "FORCE_SYNC"

	Reply MessageType = "REPLY"
)

// Message is the envelope carried on the bus.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	// ReplyTo is the topic a responder should publish its answer on.
	ReplyTo string `json:"replyTo,omitempty"`
}

// NewMessage builds a message with a JSON encoded payload.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// SyncedPayload accompanies MUTATION_SYNCED.
type SyncedPayload struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// ConflictPayload accompanies MUTATION_CONFLICT.
type ConflictPayload struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	// Local is the queued request body the server rejected.
	Local json.RawMessage `json:"local,omitempty"`
	// ServerState is the 409 response body, when the server sent one.
	ServerState json.RawMessage `json:"serverState,omitempty"`
}

// CacheStatus answers GET_CACHE_STATUS.
type CacheStatus struct {
	Version  string         `json:"version"`
	Active   bool           `json:"active"`
	Entries  map[string]int `json:"entries"`
	Bytes    int64          `json:"bytes"`
	Requests int64          `json:"requests"`
}

// AckPayload is the generic reply to control messages.
type AckPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
