// Package queue moves execution requests between the API and the worker
// through a Redis reliable queue. A consumer pops messages into its own
// processing list and removes them only after handling, so requests that
// were in flight when a worker died are recovered on the next start.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is one execution request on the queue.
type Message struct {
	ExecutionID string    `json:"execution_id"`
	ConfigID    int64     `json:"config_id"`
	ScheduleID  *int64    `json:"schedule_id,omitempty"`
	ExecutedBy  string    `json:"executed_by"`
	QueuedAt    time.Time `json:"queued_at"`
}

// Encode renders the message as its queue payload.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and validates a queue payload. The execution id and
// config id are mandatory; the actor defaults to "system".
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid message payload: %w", err)
	}
	if m.ExecutionID == "" {
		return nil, errors.New("message missing execution_id")
	}
	if m.ConfigID <= 0 {
		return nil, fmt.Errorf("message has invalid config_id %d", m.ConfigID)
	}
	if m.ExecutedBy == "" {
		m.ExecutedBy = "system"
	}
	return &m, nil
}
