// Package reactor implements Clove's single-threaded cooperative event
// loop: an epoll instance owning every client socket, with a bounded
// maintenance tick driving periodic housekeeping (state-store sweep,
// agent reaping, tunnel event-queue draining).
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clove-kernel/clove/internal/logger"
)

// Handler reacts to readiness on a registered fd.
type Handler interface {
	// OnReadable is called when fd has data available. Returning false
	// tells the reactor to deregister the fd (peer gone); closing it is
	// left to the handler.
	OnReadable(fd int) bool
	// OnWritable is called when fd is writable, but only for fds whose
	// interest set currently includes EPOLLOUT (see Modify). Returning
	// false tells the reactor to deregister the fd; closing it is left
	// to the handler.
	OnWritable(fd int) bool
}

// MaintenanceFunc runs once per tick regardless of fd activity.
type MaintenanceFunc func()

// Reactor owns one epoll instance. It is not safe for concurrent use
// by more than one goroutine — the whole point is that the core
// kernel state is touched by exactly one thread.
type Reactor struct {
	epfd    int
	tick    time.Duration
	handler Handler
	maint   []MaintenanceFunc
	log     *logger.Logger

	// interest tracks each registered fd's current epoll event mask,
	// updated by Add, Modify and Remove.
	interest map[int]uint32

	closed bool
}

// New creates a Reactor polling at the given tick interval (spec's
// 100ms default) and dispatching readiness to handler.
func New(tick time.Duration, handler Handler, log *logger.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: epfd, tick: tick, handler: handler, log: log, interest: make(map[int]uint32)}, nil
}

// AddMaintenance registers a function invoked once per tick, in
// registration order, after any ready fds have been dispatched.
func (r *Reactor) AddMaintenance(fn MaintenanceFunc) {
	r.maint = append(r.maint, fn)
}

// SetHandler (re)assigns the readiness handler. Useful when the
// handler itself needs the Reactor to register its listening fd
// during construction, before it exists to pass into New.
func (r *Reactor) SetHandler(h Handler) {
	r.handler = h
}

// Add registers fd for readable-readiness, level-triggered.
func (r *Reactor) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	r.interest[fd] = unix.EPOLLIN
	return nil
}

// Modify changes fd's registered interest set to events (a bitwise-or
// of unix.EPOLLIN/EPOLLOUT and friends), level-triggered. Callers arm
// EPOLLOUT alongside EPOLLIN when a pending write would block, and
// drop it again once the send buffer has fully drained — the reactor
// only calls Handler.OnWritable for fds currently interested in it.
func (r *Reactor) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	r.interest[fd] = events
	return nil
}

// Remove deregisters fd. The caller is still responsible for closing it.
func (r *Reactor) Remove(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd %d: %w", fd, err)
	}
	delete(r.interest, fd)
	return nil
}

// Run blocks, polling and dispatching until stopCh is closed. The
// 100ms (or configured) tick both bounds shutdown responsiveness and
// drives the maintenance functions — this is the loop's only blocking
// call, per spec's single-threaded cooperative scheduling model.
func (r *Reactor) Run(stopCh <-chan struct{}) error {
	events := make([]unix.EpollEvent, 64)
	tickMS := int(r.tick.Milliseconds())
	if tickMS <= 0 {
		tickMS = 100
	}

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, tickMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events
			alive := true

			// Drain writability first: a client that both has buffered
			// output and newly arrived input should see its backlog
			// shrink before more is read into its recv buffer.
			if mask&unix.EPOLLOUT != 0 {
				alive = r.handler.OnWritable(fd)
			}
			if alive && mask&unix.EPOLLIN != 0 {
				alive = r.handler.OnReadable(fd)
			}
			if !alive {
				if err := r.Remove(fd); err != nil {
					r.log.WithError(err).Debug("reactor: removing dead fd failed, ignoring")
				}
			}
		}

		for _, fn := range r.maint {
			fn()
		}
	}
}

// Close releases the epoll fd.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.epfd)
}
