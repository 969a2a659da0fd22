// Package authz enforces tenant isolation on threads.
//
// A caller presents a Scope: one or more opaque resource ids, or nil for
// administrative access. A thread is owned by the resource id recorded on
// its first successful run; ownership never changes afterwards.
package authz

import "github.com/CopilotKit/agentrunner/internal/model"

// Scope is the set of resource ids a caller acts as. A nil *Scope means
// administrative access and passes every check. Ids are opaque byte
// strings: no normalization, no case folding, no decoding.
type Scope struct {
	ids  []string
	seen map[string]struct{}
}

// NewScope builds a scope from one or more resource ids. Duplicates are
// collapsed; order is preserved for OwnerID.
func NewScope(ids ...string) *Scope {
	s := &Scope{seen: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

// Admin reports whether this scope bypasses ownership checks.
func (s *Scope) Admin() bool { return s == nil }

// Contains reports set membership for a resource id.
func (s *Scope) Contains(id string) bool {
	if s == nil {
		return true
	}
	_, ok := s.seen[id]
	return ok
}

// IDs returns the scope's resource ids in presentation order.
// Returns nil for the admin scope.
func (s *Scope) IDs() []string {
	if s == nil {
		return nil
	}
	return s.ids
}

// OwnerID returns the id recorded as owner when this scope claims an
// unowned thread: the first id presented. Empty for the admin scope,
// which claims nothing.
func (s *Scope) OwnerID() string {
	if s == nil || len(s.ids) == 0 {
		return ""
	}
	return s.ids[0]
}

// CanWrite reports whether scope may run against a thread. An absent
// thread or one without an owner is claimable by anyone.
func CanWrite(thread *model.Thread, scope *Scope) bool {
	if scope.Admin() {
		return true
	}
	if thread == nil || thread.ResourceID == nil {
		return true
	}
	return scope.Contains(*thread.ResourceID)
}

// CanRead reports whether scope may observe a thread. Callers must treat
// a false result as "thread absent", never as a permission error, so
// reads do not leak existence across tenants.
func CanRead(thread *model.Thread, scope *Scope) bool {
	return CanWrite(thread, scope)
}
