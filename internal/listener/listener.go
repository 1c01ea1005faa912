// Package listener turns OS-level accept events into connection tasks.
// One listener task is registered per bound address; each tick it
// drains the accept queue without blocking.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/zerobsv/weather-server/internal/metrics"
	"github.com/zerobsv/weather-server/internal/sched"
)

// ConnFactory wraps a freshly accepted non-blocking socket in a task.
// The returned task owns the descriptor from this point on.
type ConnFactory func(fd int) sched.Task

// Task owns the listening socket.
type Task struct {
	log     *slog.Logger
	metrics *metrics.Registry
	factory ConnFactory

	fd   int
	addr string
}

// New resolves bindAddr (IPv4 or IPv6), binds a non-blocking stream
// socket with address reuse enabled, and starts listening. The
// returned task must be registered with the scheduler by the caller.
func New(log *slog.Logger, bindAddr string, port int, factory ConnFactory, m *metrics.Registry) (*Task, error) {
	ip := net.ParseIP(bindAddr)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), bindAddr)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("listener: resolve %s: %w", bindAddr, err)
		}
		ip = addrs[0].IP
	}

	family := unix.AF_INET6
	if ip.To4() != nil {
		family = unix.AF_INET
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind %s:%d: %w", bindAddr, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen: %w", err)
	}

	return &Task{
		log:     log,
		metrics: m,
		factory: factory,
		fd:      fd,
		addr:    fmt.Sprintf("%s:%d", bindAddr, port),
	}, nil
}

// Port returns the bound port, which differs from the requested one
// when binding port 0.
func (t *Task) Port() int {
	sa, err := unix.Getsockname(t.fd)
	if err != nil {
		return 0
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port
	case *unix.SockaddrInet6:
		return v.Port
	default:
		return 0
	}
}

func (t *Task) Addr() string { return t.addr }

func (t *Task) Kind() sched.Kind { return sched.KindListener }

// Run drains the accept queue. A would-block ends the tick; a real
// accept error is logged and counted but never exits the listener.
func (t *Task) Run(s *sched.Scheduler, _ sched.ID) {
	for {
		nfd, _, err := unix.Accept4(t.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR:
				continue
			case unix.ECONNABORTED:
				// Peer gave up between SYN and accept; nothing to do.
				continue
			default:
				if t.log != nil {
					t.log.Error("accept failed", "addr", t.addr, "err", err)
				}
				if t.metrics != nil {
					t.metrics.ListenerAcceptErrors.Inc()
				}
				return
			}
		}

		task := t.factory(nfd)
		if _, err := s.Add(task); err != nil {
			// Task table full: shed the connection immediately.
			if t.log != nil {
				t.log.Warn("task table full, dropping connection", "addr", t.addr)
			}
			task.Destroy()
		}
	}
}

// Destroy closes the listening socket.
func (t *Task) Destroy() {
	if t.fd < 0 {
		return
	}
	unix.Close(t.fd)
	t.fd = -1
}
