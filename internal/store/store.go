// Package store defines the persistence contract for threads and their
// event logs, shared by the in-memory, SQLite, and Postgres backends.
package store

import (
	"context"
	"errors"

	"github.com/CopilotKit/agentrunner/internal/model"
)

// ErrNotFound is returned when a requested thread does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrExists is returned when creating a thread whose id is already taken.
var ErrExists = errors.New("store: already exists")

// Store persists thread directory entries and per-thread event logs.
//
// Implementations must be safe for concurrent use. The run coordinator
// guarantees at most one writer per thread, so appends for a given thread
// never race each other, but appends for different threads and all reads
// may run concurrently.
type Store interface {
	// CreateThread inserts a directory entry. Fails if the id exists.
	CreateThread(ctx context.Context, t model.Thread) error

	// GetThread returns a directory entry or ErrNotFound.
	GetThread(ctx context.Context, threadID string) (model.Thread, error)

	// UpdateThread replaces a directory entry. Last writer wins.
	// Returns ErrNotFound if the thread does not exist.
	UpdateThread(ctx context.Context, t model.Thread) error

	// ListThreads returns a page of threads ordered by last activity
	// descending, plus the total matching count. Threads whose id contains
	// the suggestions marker are excluded. A nil ownerIDs slice means no
	// ownership filter (admin); otherwise only threads owned by one of the
	// given ids, or owned by nobody, are returned.
	ListThreads(ctx context.Context, ownerIDs []string, limit, offset int) ([]model.Thread, int, error)

	// DeleteThread removes a thread and its events. Idempotent: deleting
	// an absent thread succeeds.
	DeleteThread(ctx context.Context, threadID string) error

	// AppendEvents durably appends events for one run. The call is atomic:
	// either every event in the batch is recorded or none is.
	AppendEvents(ctx context.Context, threadID, runID string, events []model.Event) error

	// ReadEvents returns a thread's full event history in append order.
	// An absent thread yields an empty slice, not an error.
	ReadEvents(ctx context.Context, threadID string) ([]model.Event, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// HasOwnerAccess reports whether a thread owner passes an ownership filter.
// Shared by backends that filter in memory rather than in SQL.
func HasOwnerAccess(owner *string, ownerIDs []string) bool {
	if ownerIDs == nil || owner == nil {
		return true
	}
	for _, id := range ownerIDs {
		if id == *owner {
			return true
		}
	}
	return false
}
