package state

import (
	"testing"
	"time"
)

func TestStoreFetchRoundTrip(t *testing.T) {
	s := New()
	s.Store("k", []byte(`"v"`), 1, ScopeGlobal, 0)
	e, ok := s.Fetch("k", 1)
	if !ok || string(e.Value) != `"v"` {
		t.Fatal("expected round trip of stored value")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	if !s.Delete("missing", 1) {
		t.Fatal("delete of missing key should still report success")
	}
	s.Store("k", []byte("1"), 1, ScopeGlobal, 0)
	if !s.Delete("k", 1) || !s.Delete("k", 1) {
		t.Fatal("double delete should both succeed")
	}
	if _, ok := s.Fetch("k", 1); ok {
		t.Fatal("key should be gone after delete")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	s.Store("k", []byte("1"), 1, ScopeGlobal, 50*time.Millisecond)
	if _, ok := s.Fetch("k", 1); !ok {
		t.Fatal("expected key to be visible before expiry")
	}

	fakeNow = fakeNow.Add(100 * time.Millisecond)
	if _, ok := s.Fetch("k", 1); ok {
		t.Fatal("expected key to be expired")
	}
	keys := s.Keys("k", 1)
	if len(keys) != 0 {
		t.Fatal("expired key must not appear in KEYS")
	}
}

func TestAgentScopeVisibility(t *testing.T) {
	s := New()
	s.Store("secret", []byte("1"), 10, ScopeAgent, 0)

	if _, ok := s.Fetch("secret", 20); ok {
		t.Fatal("agent-scoped key must not be visible to another agent")
	}
	if _, ok := s.Fetch("secret", 10); !ok {
		t.Fatal("owner must see their own agent-scoped key")
	}
}

func TestGlobalScopeVisibleToAnyone(t *testing.T) {
	s := New()
	s.Store("k", []byte("1"), 10, ScopeGlobal, 0)
	if _, ok := s.Fetch("k", 999); !ok {
		t.Fatal("global-scoped key must be visible to any agent")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New()
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }
	s.Store("a", []byte("1"), 1, ScopeGlobal, 10*time.Millisecond)
	s.Store("b", []byte("1"), 1, ScopeGlobal, 0)

	fakeNow = fakeNow.Add(time.Second)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected 1 entry swept, got %d", n)
	}
}
