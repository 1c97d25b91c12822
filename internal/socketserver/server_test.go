package socketserver

import (
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/clove-kernel/clove/internal/dispatcher"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/reactor"
	"github.com/clove-kernel/clove/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Default()
	r, err := reactor.New(0, nil, log)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	sockPath := filepath.Join(t.TempDir(), "clove.sock")
	d := dispatcher.New()
	s, err := New(sockPath, r, d, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerBindsAndListens(t *testing.T) {
	s := newTestServer(t)
	if s.listenFd <= 0 {
		t.Fatal("expected a valid listening fd")
	}
}

func TestHandleClientReadableDecodesFrameAndDispatches(t *testing.T) {
	s := newTestServer(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ours, theirs := fds[0], fds[1]
	defer unix.Close(ours)
	defer unix.Close(theirs)

	s.mu.Lock()
	s.clients[ours] = &client{fd: ours}
	s.mu.Unlock()

	frame, err := wire.Encode(wire.Frame{AgentID: 7, Opcode: wire.OpNoop, Payload: []byte(`"ping"`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := unix.Write(theirs, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !s.handleClientReadable(ours) {
		t.Fatal("expected handleClientReadable to keep the connection open")
	}

	buf := make([]byte, 256)
	n, err := unix.Read(theirs, buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	respFrame, consumed, err := wire.TryDecode(buf[:n])
	if err != nil {
		t.Fatalf("decoding response frame: %v", err)
	}
	if consumed != n {
		t.Fatalf("expected exactly one frame in response, consumed %d of %d", consumed, n)
	}
	if string(respFrame.Payload) != `"ping"` {
		t.Fatalf("expected NOOP echo, got %s", respFrame.Payload)
	}
}

func TestHandleClientReadableResyncsOnBadMagic(t *testing.T) {
	s := newTestServer(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ours, theirs := fds[0], fds[1]
	defer unix.Close(ours)
	defer unix.Close(theirs)

	s.mu.Lock()
	s.clients[ours] = &client{fd: ours}
	s.mu.Unlock()

	garbage := make([]byte, wire.HeaderSize)
	good, _ := wire.Encode(wire.Frame{AgentID: 1, Opcode: wire.OpNoop, Payload: []byte(`1`)})
	payload := append(garbage, good...)
	if _, err := unix.Write(theirs, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !s.handleClientReadable(ours) {
		t.Fatal("expected connection to remain open across a resync")
	}

	buf := make([]byte, 256)
	n, err := unix.Read(theirs, buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	respFrame, _, err := wire.TryDecode(buf[:n])
	if err != nil {
		t.Fatalf("decoding response after resync: %v", err)
	}
	if string(respFrame.Payload) != "1" {
		t.Fatalf("expected the valid frame after garbage to still be processed, got %s", respFrame.Payload)
	}
}
