// Package protocol defines the frames the gateway pushes to websocket
// status clients.
package protocol

import "time"

// Version is bumped when the frame shape changes incompatibly.
const Version = 1

// Event names pushed from the gateway to status clients.
const (
	// EventAgent wraps one agent run event (thinking, tool calls,
	// answer chunks, done).
	EventAgent = "agent"

	// EventHeartbeat is pushed periodically with uptime and per-channel
	// account status.
	EventHeartbeat = "heartbeat"

	// EventShutdown is the last frame before the server closes.
	EventShutdown = "shutdown"
)

// Event is one websocket frame.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"ts"`
}

// NewEvent stamps a frame with the current time.
func NewEvent(name string, payload interface{}) *Event {
	return &Event{
		Type:      name,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}
