package model

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidThreadID rejects empty or whitespace-only thread ids.
var ErrInvalidThreadID = errors.New("model: thread id must not be empty")

// FirstMessageMaxRunes caps the length of the derived first-message preview.
// Truncation operates on code points so a multi-byte character is never split.
const FirstMessageMaxRunes = 100

// SuggestionsMarker flags internal suggestion side-channel threads.
// Threads whose id contains this marker are excluded from listings but
// remain addressable by exact id.
const SuggestionsMarker = "-suggestions-"

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

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunErrored   RunStatus = "errored"
	RunAborted   RunStatus = "aborted"
)

// Run is one execution of an agent against a thread.
type Run struct {
	RunID     string    `json:"run_id"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Message is one entry in a run input's message history.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunInput is the input object handed to an agent for one run. Messages
// holds only the delta relative to what prior runs on the thread recorded,
// unless the agent supplied its own input via RUN_STARTED.
type RunInput struct {
	ThreadID       string         `json:"thread_id"`
	RunID          string         `json:"run_id"`
	Messages       []Message      `json:"messages,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	ForwardedProps map[string]any `json:"forwarded_props,omitempty"`
}

// ValidateThreadID rejects empty or whitespace-only thread ids. Anything
// else is accepted as an opaque identifier.
func ValidateThreadID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidThreadID
	}
	return nil
}

// TruncateRunes shortens s to at most max code points. Operating on runes
// guarantees the result never ends in a broken multi-byte sequence.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
