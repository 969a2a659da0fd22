// Package memory implements store.Store with mutex-guarded maps.
// Suitable for tests and single-process development setups; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/store"
)

// Store is the in-memory backend.
type Store struct {
	mu      sync.RWMutex
	threads map[string]model.Thread
	events  map[string][]model.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		threads: make(map[string]model.Thread),
		events:  make(map[string][]model.Event),
	}
}

// CreateThread implements store.Store.
func (s *Store) CreateThread(_ context.Context, t model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[t.ThreadID]; exists {
		return store.ErrExists
	}
	s.threads[t.ThreadID] = copyThread(t)
	return nil
}

// GetThread implements store.Store.
func (s *Store) GetThread(_ context.Context, threadID string) (model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return model.Thread{}, store.ErrNotFound
	}
	return copyThread(t), nil
}

// UpdateThread implements store.Store.
func (s *Store) UpdateThread(_ context.Context, t model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ThreadID]; !ok {
		return store.ErrNotFound
	}
	s.threads[t.ThreadID] = copyThread(t)
	return nil
}

// ListThreads implements store.Store.
func (s *Store) ListThreads(_ context.Context, ownerIDs []string, limit, offset int) ([]model.Thread, int, error) {
	s.mu.RLock()
	matched := make([]model.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if strings.Contains(t.ThreadID, model.SuggestionsMarker) {
			continue
		}
		if !store.HasOwnerAccess(t.ResourceID, ownerIDs) {
			continue
		}
		matched = append(matched, copyThread(t))
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].LastActivityAt.Equal(matched[j].LastActivityAt) {
			return matched[i].ThreadID < matched[j].ThreadID
		}
		return matched[i].LastActivityAt.After(matched[j].LastActivityAt)
	})

	total := len(matched)
	if offset >= total {
		return []model.Thread{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// DeleteThread implements store.Store.
func (s *Store) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.events, threadID)
	return nil
}

// AppendEvents implements store.Store.
func (s *Store) AppendEvents(_ context.Context, threadID, _ string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[threadID] = append(s.events[threadID], events...)
	return nil
}

// ReadEvents implements store.Store.
func (s *Store) ReadEvents(_ context.Context, threadID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.events[threadID]
	out := make([]model.Event, len(stored))
	copy(out, stored)
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close(context.Context) error { return nil }

// copyThread clones the properties map so callers cannot mutate stored
// state through a returned Thread.
func copyThread(t model.Thread) model.Thread {
	if t.Properties != nil {
		props := make(map[string]any, len(t.Properties))
		for k, v := range t.Properties {
			props[k] = v
		}
		t.Properties = props
	}
	return t
}
