package runnerclient

import (
	"encoding/json"
	"time"
)

// Event is one entry in a thread's run log.
type Event struct {
	ID        string          `json:"id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is one entry in a run request's message history.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Thread is the directory entry for one conversation.
type Thread struct {
	ThreadID       string         `json:"thread_id"`
	ResourceID     *string        `json:"resource_id,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	IsRunning      bool           `json:"is_running"`
	MessageCount   int            `json:"message_count"`
	FirstMessage   *string        `json:"first_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// RunRequest is the body for starting a run on a thread.
type RunRequest struct {
	Agent          string         `json:"agent,omitempty"`
	Messages       []Message      `json:"messages,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	ForwardedProps map[string]any `json:"forwarded_props,omitempty"`
}

// ThreadPage is one page of the thread directory.
type ThreadPage struct {
	Threads []Thread
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// HealthResponse reports server status.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
