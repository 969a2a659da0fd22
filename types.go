package agentrunner

import (
	"encoding/json"
	"time"
)

// EventType identifies a protocol event. The set is closed; payloads are
// opaque JSON that the runner forwards without interpretation.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventToolCallResult     EventType = "TOOL_CALL_RESULT"
	EventStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventStateDelta         EventType = "STATE_DELTA"
	EventMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
	EventCustom             EventType = "CUSTOM"
)

// Event is one entry in a thread's run log. Agents fill Type and Payload;
// the runner assigns identity, ordering, and timing on the way through.
type Event struct {
	ID        string          `json:"id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Type      EventType       `json:"type"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is one entry in a run input's message history.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunInput is what an Agent receives for one run. Messages holds only the
// messages no prior run on the thread has seen.
type RunInput struct {
	ThreadID       string         `json:"thread_id"`
	RunID          string         `json:"run_id"`
	Messages       []Message      `json:"messages,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	ForwardedProps map[string]any `json:"forwarded_props,omitempty"`
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
