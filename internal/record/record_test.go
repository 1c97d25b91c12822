package record

import (
	"testing"
	"time"

	"github.com/clove-kernel/clove/internal/wire"
)

func TestStartClearsBufferFromIdle(t *testing.T) {
	l := New(Config{})
	l.Start()
	l.Append(1, wire.OpSend, nil, nil, time.Millisecond, true)
	l.Stop()
	l.Start()
	if len(l.Export()) != 0 {
		t.Fatal("expected Start from Idle to clear the previous buffer")
	}
}

func TestPauseResumeKeepsBuffer(t *testing.T) {
	l := New(Config{})
	l.Start()
	l.Append(1, wire.OpSend, nil, nil, time.Millisecond, true)
	l.Pause()
	l.Start() // resumes, since state is Paused not Idle
	l.Append(1, wire.OpSend, nil, nil, time.Millisecond, true)
	if len(l.Export()) != 2 {
		t.Fatalf("expected 2 entries after pause/resume, got %d", len(l.Export()))
	}
}

func TestSequenceIDsMonotonicAndContiguous(t *testing.T) {
	l := New(Config{})
	l.Start()
	for i := 0; i < 5; i++ {
		l.Append(1, wire.OpSend, nil, nil, time.Millisecond, true)
	}
	entries := l.Export()
	for i, e := range entries {
		if e.SequenceID != uint64(i+1) {
			t.Fatalf("expected contiguous sequence ids, got %d at index %d", e.SequenceID, i)
		}
	}
}

func TestPureReadsAlwaysExcluded(t *testing.T) {
	l := New(Config{IncludeThink: true, IncludeHTTP: true, IncludeExec: true})
	l.Start()
	l.Append(1, wire.OpList, nil, nil, time.Millisecond, true)
	l.Append(1, wire.OpGetPerms, nil, nil, time.Millisecond, true)
	if len(l.Export()) != 0 {
		t.Fatal("pure-read opcodes must never be recorded")
	}
}

func TestThinkExcludedByDefault(t *testing.T) {
	l := New(Config{})
	l.Start()
	l.Append(1, wire.OpThink, nil, nil, time.Millisecond, true)
	if len(l.Export()) != 0 {
		t.Fatal("THINK must be excluded unless IncludeThink is set")
	}
}

func TestReplayLifecycle(t *testing.T) {
	l := New(Config{})
	entries := []Entry{{SequenceID: 1}, {SequenceID: 2}}
	l.LoadReplay(entries)

	e, ok := l.GetNextReplayEntry()
	if !ok || e.SequenceID != 1 {
		t.Fatal("expected first entry")
	}
	l.AdvanceReplay(false)
	e, ok = l.GetNextReplayEntry()
	if !ok || e.SequenceID != 2 {
		t.Fatal("expected second entry")
	}
	l.AdvanceReplay(false)
	state, cursor, total := l.ReplayStatus()
	if state != ReplayCompleted || cursor != total {
		t.Fatalf("expected Completed at cursor==total, got %v %d/%d", state, cursor, total)
	}
}
