package reactor

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clove-kernel/clove/internal/logger"
)

type countingHandler struct {
	reads int32
	keep  bool
}

func (h *countingHandler) OnReadable(fd int) bool {
	atomic.AddInt32(&h.reads, 1)
	buf := make([]byte, 16)
	_, _ = syscallRead(fd, buf)
	return h.keep
}

func (h *countingHandler) OnWritable(fd int) bool { return h.keep }

func syscallRead(fd int, buf []byte) (int, error) {
	f := os.NewFile(uintptr(fd), "pipe")
	return f.Read(buf)
}

func TestReactorDispatchesReadableFD(t *testing.T) {
	r, pw, err := newTestReactorWithPipe(t)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer r.reactor.Close()

	if _, err := pw.Write([]byte("x")); err != nil {
		t.Fatalf("writing to pipe: %v", err)
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = r.reactor.Run(stopCh)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&r.handler.reads) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	close(stopCh)
	<-done

	if atomic.LoadInt32(&r.handler.reads) == 0 {
		t.Fatal("expected reactor to dispatch at least one readable event")
	}
}

func TestReactorModifyArmsAndDisarmsWritable(t *testing.T) {
	r, _, err := newTestReactorWithPipe(t)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer r.reactor.Close()

	fd := 0
	for k := range r.reactor.interest {
		fd = k
	}
	if err := r.reactor.Modify(fd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
		t.Fatalf("Modify add EPOLLOUT: %v", err)
	}
	if r.reactor.interest[fd]&unix.EPOLLOUT == 0 {
		t.Fatal("expected EPOLLOUT to be recorded in the interest set")
	}
	if err := r.reactor.Modify(fd, unix.EPOLLIN); err != nil {
		t.Fatalf("Modify drop EPOLLOUT: %v", err)
	}
	if r.reactor.interest[fd]&unix.EPOLLOUT != 0 {
		t.Fatal("expected EPOLLOUT to be cleared from the interest set")
	}
}

func TestReactorRunsMaintenanceEveryTick(t *testing.T) {
	log := logger.Default()
	handler := &countingHandler{keep: true}
	r, err := New(30*time.Millisecond, handler, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	var ticks int32
	r.AddMaintenance(func() { atomic.AddInt32(&ticks, 1) })

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = r.Run(stopCh)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	close(stopCh)
	<-done

	if atomic.LoadInt32(&ticks) < 2 {
		t.Fatalf("expected multiple maintenance ticks, got %d", ticks)
	}
}

type testReactor struct {
	reactor *Reactor
	handler *countingHandler
}

func newTestReactorWithPipe(t *testing.T) (*testReactor, *os.File, error) {
	t.Helper()
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() { pr.Close(); pw.Close() })

	handler := &countingHandler{keep: true}
	r, err := New(50*time.Millisecond, handler, logger.Default())
	if err != nil {
		return nil, nil, err
	}
	if err := r.Add(int(pr.Fd())); err != nil {
		return nil, nil, err
	}
	return &testReactor{reactor: r, handler: handler}, pw, nil
}
