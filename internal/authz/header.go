package authz

import (
	"fmt"
	"net/url"
	"strings"
)

// ScopeHeader is the HTTP header carrying the caller's resource ids.
// Each id is percent-encoded individually and the encoded ids are joined
// with commas, so ids containing commas or percent signs survive transport.
const ScopeHeader = "X-Resource-Scope"

// EncodeScopeHeader renders a scope as a header value. The admin scope has
// no header representation; callers omit the header instead.
func EncodeScopeHeader(s *Scope) string {
	if s == nil {
		return ""
	}
	encoded := make([]string, len(s.ids))
	for i, id := range s.ids {
		encoded[i] = url.QueryEscape(id)
	}
	return strings.Join(encoded, ",")
}

// DecodeScopeHeader parses a header value back into a scope. Decoding
// happens exactly once per id; the decoded set is what comparisons use.
// An empty value yields a zero-id scope, which can read and claim only
// unowned threads. The HTTP layer never produces one: an absent header
// resolves to admin before this codec is consulted.
func DecodeScopeHeader(value string) (*Scope, error) {
	if value == "" {
		return NewScope(), nil
	}
	parts := strings.Split(value, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		id, err := url.QueryUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("authz: decode scope header: %w", err)
		}
		ids = append(ids, id)
	}
	return NewScope(ids...), nil
}
