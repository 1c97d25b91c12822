package audit

import "testing"

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l := New(10, []Category{CategorySecurity})
	e1 := l.Append(CategorySecurity, "x", 1, "", nil, true)
	e2 := l.Append(CategorySecurity, "y", 1, "", nil, true)
	if e2.ID != e1.ID+1 {
		t.Fatalf("expected gap-free monotonic ids, got %d then %d", e1.ID, e2.ID)
	}
}

func TestRingBufferBoundsRetention(t *testing.T) {
	l := New(3, nil)
	for i := 0; i < 10; i++ {
		l.Append(CategorySyscall, "e", 1, "", nil, true)
	}
	entries := l.Query(nil, nil, 0, 0)
	if len(entries) != 3 {
		t.Fatalf("expected ring bounded to 3 entries, got %d", len(entries))
	}
	if entries[0].ID != 8 || entries[2].ID != 10 {
		t.Fatalf("expected the last 3 entries (8,9,10), got %v", entries)
	}
}

func TestQueryReturnsChronologicalOrder(t *testing.T) {
	l := New(10, nil)
	for i := 0; i < 5; i++ {
		l.Append(CategorySyscall, "e", 1, "", nil, true)
	}
	entries := l.Query(nil, nil, 0, 0)
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Fatal("expected chronological (ascending id) order")
		}
	}
}

func TestQuerySinceIDCursor(t *testing.T) {
	l := New(10, nil)
	for i := 0; i < 5; i++ {
		l.Append(CategorySyscall, "e", 1, "", nil, true)
	}
	entries := l.Query(nil, nil, 3, 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after id 3, got %d", len(entries))
	}
}

func TestCategoryFilterDefaultsDisabled(t *testing.T) {
	l := New(10, []Category{CategorySecurity})
	if l.Enabled(CategoryNetwork) {
		t.Fatal("category not passed to New should default disabled")
	}
	l.SetEnabled(CategoryNetwork, true)
	if !l.Enabled(CategoryNetwork) {
		t.Fatal("SetEnabled should take effect immediately")
	}
}
