//go:build linux

package netpoll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func (i Interest) toEpollEvents() uint32 {
	var e uint32
	if i&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// Poller is an epoll instance. It satisfies sched.Poller.
type Poller struct {
	epfd int

	mu   sync.Mutex
	size int
}

// New creates a new epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Add registers fd for the given interest set.
func (p *Poller) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.toEpollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl add fd=%d: %w", fd, err)
	}
	p.mu.Lock()
	p.size++
	p.mu.Unlock()
	return nil
}

// Modify changes the interest set for an already-registered fd.
func (p *Poller) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.toEpollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Safe to call even if fd was never added, or has
// already been closed (in which case the kernel has already dropped the
// registration and this is a no-op error we swallow).
func (p *Poller) Remove(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	p.mu.Lock()
	if p.size > 0 {
		p.size--
	}
	p.mu.Unlock()
}

// Wait blocks up to timeout for any registered descriptor to become
// ready, or until ctx is cancelled. It never returns which descriptors
// fired: tasks re-check their own socket state on the next tick, so
// Wait's only job is to avoid busy-spinning.
func (p *Poller) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}

	var events [256]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], ms)
	if err == unix.EINTR {
		// Interrupted waits end the tick early; the run loop re-checks
		// its shutdown flag before waiting again.
		return nil
	}
	if err != nil {
		return fmt.Errorf("netpoll: epoll_wait: %w", err)
	}
	_ = n
	return nil
}

// Close releases the epoll file descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
