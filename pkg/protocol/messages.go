// Package protocol defines the push-event wire format shared by the server
// and its WebSocket clients.
//
// All frames are JSON. Server → client frames are Events; client → server
// frames are Commands.
package protocol

import "time"

// Event types pushed to subscribers.
const (
	TypeMessageAdded   = "message_added"
	TypeSessionUpdated = "session_updated"
	TypeMemoryUpdated  = "memory_updated"
	TypePing           = "ping"
	// TypeOverflow is sent after a subscriber's queue overflowed; events were
	// dropped and the client should re-read the resource snapshot.
	TypeOverflow = "overflow"
	TypeError    = "error"
	TypeAck      = "ack"
)

// Client command actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Event is the server → client push envelope.
type Event struct {
	Type      string    `json:"type"`
	URI       string    `json:"uri,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Command is the client → server frame.
type Command struct {
	Action string `json:"action"`
	URI    string `json:"uri,omitempty"`
}

// MessageAdded is the payload of a message_added event. The message is only
// delivered to subscribers allowed to see it.
type MessageAdded struct {
	SessionID string `json:"session_id"`
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender"`
	Message   any    `json:"message,omitempty"`
}

// SessionUpdated is the payload of a session_updated event.
type SessionUpdated struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
	IsActive  bool      `json:"is_active"`
}

// MemoryUpdated is the payload of a memory_updated event on
// agent://{agent_id}/memory.
type MemoryUpdated struct {
	AgentID   string  `json:"agent_id"`
	Key       string  `json:"key"`
	SessionID *string `json:"session_id,omitempty"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// ErrorEvent is sent in response to an unusable client command; the
// connection stays open.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionURI returns the canonical resource URI for a session.
func SessionURI(sessionID string) string {
	return "session://" + sessionID
}

// MemoryURI returns the canonical resource URI for an agent's memory.
func MemoryURI(agentID string) string {
	return "agent://" + agentID + "/memory"
}
