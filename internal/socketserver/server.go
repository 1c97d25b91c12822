// Package socketserver accepts agent connections on Clove's local Unix
// stream socket and feeds decoded frames to the dispatcher, entirely
// on the reactor's single thread — no net.Listener/net.Conn involved,
// since those own their own internal poller and would fight the
// kernel's epoll instance for the same fds.
package socketserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clove-kernel/clove/internal/dispatcher"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/reactor"
	"github.com/clove-kernel/clove/internal/wire"
)

// sendTimeout bounds how long a client may sit with a non-empty
// sendBuf before the server gives up on it, per spec's backpressure
// policy: a client that fails to drain for too long is disconnected
// rather than monopolizing the reactor's single thread.
const sendTimeout = 5 * time.Second

// client is one connected agent's framing state.
type client struct {
	fd      int
	recvBuf []byte

	// sendBuf holds bytes that a prior write could only partially
	// flush. While non-empty, the fd's epoll interest includes
	// EPOLLOUT and backpressureSince records when draining started.
	sendBuf           []byte
	backpressureSince time.Time
}

// Server owns the listening socket and every connected client.
type Server struct {
	mu         sync.Mutex
	listenFd   int
	socketPath string
	reactor    *reactor.Reactor
	dispatch   *dispatcher.Dispatcher
	log        *logger.Logger
	clients    map[int]*client
}

// New binds and listens on socketPath (removing any stale socket
// file first) and registers the listening fd with reactor.
func New(socketPath string, r *reactor.Reactor, d *dispatcher.Dispatcher, log *logger.Logger) (*Server, error) {
	_ = os.Remove(socketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socketserver: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: socketPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketserver: bind %s: %w", socketPath, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketserver: listen: %w", err)
	}

	s := &Server{
		listenFd: fd, socketPath: socketPath, reactor: r, dispatch: d, log: log,
		clients: make(map[int]*client),
	}
	if err := r.Add(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// OnReadable implements reactor.Handler. It distinguishes the
// listening fd (accept a new client) from client fds (read and
// dispatch frames).
func (s *Server) OnReadable(fd int) bool {
	if fd == s.listenFd {
		s.acceptLoop()
		return true
	}
	return s.handleClientReadable(fd)
}

// OnWritable implements reactor.Handler. It only ever fires for client
// fds currently armed for EPOLLOUT — i.e. ones with a non-empty
// sendBuf — and tries to drain the rest of it.
func (s *Server) OnWritable(fd int) bool {
	if fd == s.listenFd {
		return true
	}
	s.mu.Lock()
	c, ok := s.clients[fd]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.drainSendBuf(c)
}

func (s *Server) acceptLoop() {
	for {
		connFd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.log.WithError(err).Warn("socketserver: accept failed")
			return
		}
		s.mu.Lock()
		s.clients[connFd] = &client{fd: connFd}
		s.mu.Unlock()
		if err := s.reactor.Add(connFd); err != nil {
			s.log.WithError(err).Warn("socketserver: registering client fd failed")
			unix.Close(connFd)
			s.mu.Lock()
			delete(s.clients, connFd)
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleClientReadable(fd int) bool {
	s.mu.Lock()
	c, ok := s.clients[fd]
	s.mu.Unlock()
	if !ok {
		return false
	}

	buf := make([]byte, 65536)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		return s.closeClient(c)
	}
	if n == 0 {
		return s.closeClient(c)
	}
	c.recvBuf = append(c.recvBuf, buf[:n]...)

	for {
		frame, consumed, derr := wire.TryDecode(c.recvBuf)
		if derr == wire.ErrIncomplete {
			break
		}
		c.recvBuf = c.recvBuf[consumed:]
		if derr != nil {
			// Bad magic / oversize payload: already resynced by
			// discarding exactly one header's worth, per wire's contract.
			s.log.WithError(derr).Debug("socketserver: resyncing after malformed frame")
			continue
		}
		s.dispatchFrame(c, frame)
	}
	return true
}

func (s *Server) dispatchFrame(c *client, frame wire.Frame) {
	result := s.dispatch.Dispatch(context.Background(), frame)

	resp := wire.Frame{AgentID: frame.AgentID, Opcode: frame.Opcode}
	if result.Err != nil {
		resp.Payload = mustJSONError(result.Err.Message)
	} else {
		resp.Payload = result.Payload
	}

	out, err := wire.Encode(resp)
	if err != nil {
		s.log.WithError(err).Warn("socketserver: encoding response failed")
		return
	}
	s.writeAll(c, out)
}

// writeAll queues data for fd, writing as much as the socket accepts
// immediately and buffering the remainder into c.sendBuf rather than
// busy-spinning on EAGAIN. A non-empty sendBuf arms EPOLLOUT so the
// reactor calls OnWritable once the peer is ready to read more.
func (s *Server) writeAll(c *client, data []byte) {
	if len(c.sendBuf) > 0 {
		// Already backed up: append and let the pending EPOLLOUT
		// interest drain both in order.
		c.sendBuf = append(c.sendBuf, data...)
		return
	}

	n, err := unix.Write(c.fd, data)
	if err != nil && err != unix.EAGAIN {
		s.log.WithError(err).Debug("socketserver: write failed, dropping client")
		s.closeClient(c)
		return
	}
	if err == unix.EAGAIN {
		n = 0
	}
	remaining := data[n:]
	if len(remaining) == 0 {
		return
	}
	s.bufferAndArm(c, remaining)
}

// drainSendBuf flushes as much of c.sendBuf as the socket accepts.
// Once it empties, EPOLLOUT is dropped from the fd's interest set so
// the reactor stops waking up for writability it no longer needs.
func (s *Server) drainSendBuf(c *client) bool {
	n, err := unix.Write(c.fd, c.sendBuf)
	if err != nil && err != unix.EAGAIN {
		s.log.WithError(err).Debug("socketserver: write failed, dropping client")
		return s.closeClient(c)
	}
	if err == unix.EAGAIN {
		n = 0
	}
	c.sendBuf = c.sendBuf[n:]
	if len(c.sendBuf) > 0 {
		return true
	}
	c.backpressureSince = time.Time{}
	if err := s.reactor.Modify(c.fd, unix.EPOLLIN); err != nil {
		s.log.WithError(err).Debug("socketserver: disarming EPOLLOUT failed, ignoring")
	}
	return true
}

func (s *Server) bufferAndArm(c *client, remaining []byte) {
	c.sendBuf = append(c.sendBuf, remaining...)
	if c.backpressureSince.IsZero() {
		c.backpressureSince = time.Now()
	}
	if err := s.reactor.Modify(c.fd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
		s.log.WithError(err).Warn("socketserver: arming EPOLLOUT failed")
	}
}

// SweepSlowClients closes any client whose send buffer has been stuck
// draining for longer than sendTimeout. The reactor calls this once
// per maintenance tick, never from a blocking wait.
func (s *Server) SweepSlowClients() {
	var stale []*client
	s.mu.Lock()
	for _, c := range s.clients {
		if !c.backpressureSince.IsZero() && time.Since(c.backpressureSince) > sendTimeout {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		s.log.Warn("socketserver: closing client that failed to drain in time")
		s.closeClient(c)
	}
}

func (s *Server) closeClient(c *client) bool {
	s.mu.Lock()
	delete(s.clients, c.fd)
	s.mu.Unlock()
	unix.Close(c.fd)
	return false
}

// Close tears down the listening socket and every connected client.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fd := range s.clients {
		unix.Close(fd)
	}
	err := unix.Close(s.listenFd)
	_ = os.Remove(s.socketPath)
	return err
}

// mustJSONError builds the failure envelope every handler returns:
// at least {"success": bool} and, on failure, {"error": string}, per
// spec's response contract.
func mustJSONError(message string) []byte {
	b, err := json.Marshal(map[string]any{"success": false, "error": message})
	if err != nil {
		return []byte(`{"success":false,"error":"internal error"}`)
	}
	return b
}
