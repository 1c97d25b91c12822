// Package state implements Clove's in-memory scoped key-value store
// with optional per-entry TTL.
package state

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Scope controls who may read/write an entry.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeAgent   Scope = "agent"
	ScopeSession Scope = "session"
)

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     json.RawMessage
	OwnerID   uint32
	Scope     Scope
	ExpiresAt *time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// visibleTo reports whether caller may read/write e under scope rules.
func (e *Entry) visibleTo(caller uint32) bool {
	if e.Scope == ScopeAgent {
		return e.OwnerID == caller
	}
	return true
}

// Store is the kernel's flat keyspace.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*Entry), now: time.Now}
}

// Store writes key with the given value, scope, owner, and optional
// ttl. A zero ttl means no expiry.
func (s *Store) Store(key string, value json.RawMessage, owner uint32, scope Scope, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{Key: key, Value: value, OwnerID: owner, Scope: scope}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		e.ExpiresAt = &exp
	}
	s.entries[key] = e
}

// Fetch returns the entry for key if it exists, is not expired, and is
// visible to caller.
func (s *Store) Fetch(key string, caller uint32) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	if !e.visibleTo(caller) {
		return nil, false
	}
	return e, true
}

// Delete removes key if caller is permitted to. It is idempotent:
// deleting an absent or invisible key still reports success.
func (s *Store) Delete(key string, caller uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return true
	}
	if e.Scope == ScopeAgent && e.OwnerID != caller {
		// Not visible to caller: per spec, DELETE is idempotent from the
		// caller's point of view, but a caller without ownership never
		// had a right to the key in the first place — treat as already
		// gone rather than silently deleting someone else's entry.
		return true
	}
	delete(s.entries, key)
	return true
}

// Keys returns all visible, non-expired keys with the given prefix.
func (s *Store) Keys(prefix string, caller uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		if e.Scope == ScopeAgent && e.OwnerID != caller {
			continue
		}
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Sweep proactively purges expired entries; called from the reactor's
// periodic maintenance tick.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}
