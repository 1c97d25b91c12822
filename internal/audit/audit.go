// Package audit implements Clove's category-filtered, ring-buffered
// audit log.
package audit

import (
	"encoding/json"
	"sync"
	"time"
)

// Category is an audit event's classification, independently
// enable/disable-able.
type Category string

const (
	CategorySecurity       Category = "Security"
	CategoryAgentLifecycle Category = "AgentLifecycle"
	CategoryIPC            Category = "IPC"
	CategoryStateStore     Category = "StateStore"
	CategoryResource       Category = "Resource"
	CategorySyscall        Category = "Syscall"
	CategoryNetwork        Category = "Network"
	CategoryWorld          Category = "World"
)

// Entry is one audit record.
type Entry struct {
	ID        uint64          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Category  Category        `json:"category"`
	EventType string          `json:"event_type"`
	AgentID   uint32          `json:"agent_id"`
	AgentName string          `json:"agent_name,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Success   bool            `json:"success"`
}

// Log is an in-memory ring bounded by MaxEntries, with per-category
// filtering.
type Log struct {
	mu         sync.Mutex
	maxEntries int
	entries    []Entry
	nextID     uint64
	enabled    map[Category]bool
	now        func() time.Time
}

// New creates a Log retaining at most maxEntries, with the given
// categories enabled.
func New(maxEntries int, enabledCategories []Category) *Log {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	enabled := make(map[Category]bool, len(enabledCategories))
	for _, c := range enabledCategories {
		enabled[c] = true
	}
	return &Log{maxEntries: maxEntries, enabled: enabled, now: time.Now}
}

// Enabled reports whether category is currently enabled.
func (l *Log) Enabled(c Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled[c]
}

// SetEnabled enables or disables a category, live.
func (l *Log) SetEnabled(c Category, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled[c] = on
}

// Append records an entry, assigning it the next monotonic id. The
// caller is expected to have already checked Enabled(category).
func (l *Log) Append(category Category, eventType string, agentID uint32, agentName string, details json.RawMessage, success bool) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	e := Entry{
		ID: l.nextID, Timestamp: l.now(), Category: category, EventType: eventType,
		AgentID: agentID, AgentName: agentName, Details: details, Success: success,
	}
	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	return e
}

// Query filters by optional category, optional agent id, a since-id
// cursor, and a result-count limit. Results are returned chronological
// (oldest matching entry first within the page), as spec.md requires.
func (l *Log) Query(category *Category, agentID *uint32, sinceID uint64, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.ID <= sinceID {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		if agentID != nil && e.AgentID != *agentID {
			continue
		}
		matched = append(matched, e)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	// matched was built newest-first; reverse for chronological order.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// ExportJSONL dumps the current buffer as newline-delimited JSON.
func (l *Log) ExportJSONL() ([]byte, error) {
	l.mu.Lock()
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}
