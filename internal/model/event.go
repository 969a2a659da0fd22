// Package model defines the core domain types: threads, runs, and the
// protocol events that flow through a run.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates protocol events. The orchestrator only interprets
// the run lifecycle markers; every other kind passes through opaquely.
type EventType string

const (
	// Run lifecycle events. These drive the run state machine.
	EventRunStarted  EventType = "RUN_STARTED"
	EventRunFinished EventType = "RUN_FINISHED"
	EventRunError    EventType = "RUN_ERROR"

	// Streaming text message events.
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"

	// Tool call events.
	EventToolCallStart  EventType = "TOOL_CALL_START"
	EventToolCallArgs   EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd    EventType = "TOOL_CALL_END"
	EventToolCallResult EventType = "TOOL_CALL_RESULT"

	// Snapshot events.
	EventStateSnapshot    EventType = "STATE_SNAPSHOT"
	EventStateDelta       EventType = "STATE_DELTA"
	EventMessagesSnapshot EventType = "MESSAGES_SNAPSHOT"

	// Custom passthrough for event kinds the orchestrator does not know.
	EventCustom EventType = "CUSTOM"
)

// Event is one record in a thread's append-only log. Once appended it is
// immutable. Payload is the raw serialized event body; the orchestrator
// decodes it only for RUN_STARTED and RUN_ERROR.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsTerminal reports whether this event ends a run.
func (e Event) IsTerminal() bool {
	return e.Type == EventRunFinished || e.Type == EventRunError
}

// RunStartedPayload is the decoded body of a RUN_STARTED event. Input is
// present when the agent (or the coordinator) attached the run's input
// snapshot; it is preserved verbatim across replay.
type RunStartedPayload struct {
	ThreadID string    `json:"thread_id"`
	RunID    string    `json:"run_id"`
	Input    *RunInput `json:"input,omitempty"`
}

// RunErrorPayload is the decoded body of a RUN_ERROR event.
type RunErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DecodeRunStarted decodes a RUN_STARTED payload.
func DecodeRunStarted(e Event) (RunStartedPayload, error) {
	if e.Type != EventRunStarted {
		return RunStartedPayload{}, fmt.Errorf("model: decode run started: event type is %s", e.Type)
	}
	var p RunStartedPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return RunStartedPayload{}, fmt.Errorf("model: decode run started: %w", err)
	}
	return p, nil
}

// DecodeRunError decodes a RUN_ERROR payload.
func DecodeRunError(e Event) (RunErrorPayload, error) {
	if e.Type != EventRunError {
		return RunErrorPayload{}, fmt.Errorf("model: decode run error: event type is %s", e.Type)
	}
	var p RunErrorPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return RunErrorPayload{}, fmt.Errorf("model: decode run error: %w", err)
	}
	return p, nil
}

// MustMarshalPayload serializes a payload struct into an event body.
// Panics only on unmarshalable values, which is a programming error.
func MustMarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("model: marshal payload: %v", err))
	}
	return b
}
