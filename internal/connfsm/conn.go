// Package connfsm drives one accepted client socket through the
// five-state request lifecycle: read the request bytes, parse them,
// dispatch to a handler, send the response, done. Each connection
// serves exactly one request and is closed afterward.
package connfsm

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/zerobsv/weather-server/internal/cache"
	"github.com/zerobsv/weather-server/internal/fetch"
	"github.com/zerobsv/weather-server/internal/fetcherr"
	"github.com/zerobsv/weather-server/internal/httpmsg"
	"github.com/zerobsv/weather-server/internal/metrics"
	"github.com/zerobsv/weather-server/internal/netpoll"
	"github.com/zerobsv/weather-server/internal/sched"
	"github.com/zerobsv/weather-server/internal/surprise"
)

// State is the connection's position in the request lifecycle.
type State int

const (
	StateReading State = iota
	StateParsing
	StateDispatching
	StateSending
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	case StateSending:
		return "sending"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// ReadBufferSize is the fixed capacity of the per-connection read
// buffer. A request whose header block does not terminate within this
// many bytes is answered with 413.
const ReadBufferSize = 8 * 1024

// DefaultTimeout bounds how long a connection may sit in any one
// non-terminal state before it is torn down without a response.
const DefaultTimeout = 30 * time.Second

// Deps bundles everything a connection needs to serve a request. One
// Deps value is built at startup and shared by every connection.
type Deps struct {
	Log     *slog.Logger
	Metrics *metrics.Registry
	Poller  *netpoll.Poller
	Tracer  trace.Tracer

	Fetch        fetch.Config
	GeocodeCache *cache.GeocodeCache
	WeatherCache *cache.WeatherCache

	Surprise  *surprise.Store
	CitiesCSV string

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

func (d *Deps) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Conn is the per-socket task. The socket is non-blocking for the
// whole lifetime and is closed exactly once, in Destroy.
type Conn struct {
	deps *Deps

	fd  int
	tag string

	id          sched.ID
	connectTime time.Time
	stateSince  time.Time
	st          State

	readBuf []byte // len = bytes read so far, cap = ReadBufferSize

	req *httpmsg.Request

	// endpoint is the matched route template, used as the metrics
	// label so arbitrary request paths cannot blow up the label set.
	endpoint string

	resp []byte
	sent int

	errKind fetcherr.Kind
	ioErr   error

	fetchID      sched.ID
	fetchPending bool

	registered bool
}

// New wraps an accepted non-blocking socket in a connection task and
// registers it with the poller for read readiness. The interest set is
// narrowed to writability only once the connection enters sending: a
// connected socket is almost always writable, so a standing EPOLLOUT
// registration would wake the readiness wait on every cycle and turn
// the run loop into a busy spin while the peer is quiet.
func New(fd int, deps *Deps) *Conn {
	now := time.Now()
	c := &Conn{
		deps:        deps,
		fd:          fd,
		tag:         uuid.NewString(),
		connectTime: now,
		stateSince:  now,
		st:          StateReading,
		readBuf:     make([]byte, 0, ReadBufferSize),
	}
	if deps.Poller != nil {
		if err := deps.Poller.Add(fd, netpoll.Readable); err == nil {
			c.registered = true
		}
	}
	return c
}

func (c *Conn) Kind() sched.Kind { return sched.KindConnection }

// NextDeadline reports when this connection's state timeout elapses,
// so the scheduler can wake in time to enforce it.
func (c *Conn) NextDeadline() (time.Time, bool) {
	if c.st == StateDone {
		return time.Time{}, false
	}
	return c.stateSince.Add(c.deps.timeout()), true
}

// Run advances the connection by one tick, cascading through as many
// states as the socket allows without blocking.
func (c *Conn) Run(s *sched.Scheduler, id sched.ID) {
	c.id = id

	if c.st != StateDone && time.Since(c.stateSince) > c.deps.timeout() {
		c.errKind = fetcherr.Timeout
		if c.fetchPending {
			s.Remove(c.fetchID)
			c.fetchPending = false
		}
		c.setState(StateDone)
	}

	for c.step(s) {
	}

	if c.st == StateDone {
		c.finish(s)
	}
}

// step performs one transition. Returning false suspends the task
// until the next tick.
func (c *Conn) step(s *sched.Scheduler) bool {
	switch c.st {
	case StateReading:
		return c.stepReading()
	case StateParsing:
		return c.stepParsing()
	case StateDispatching:
		return c.stepDispatching(s)
	case StateSending:
		return c.stepSending()
	default:
		return false
	}
}

func (c *Conn) stepReading() bool {
	for {
		if len(c.readBuf) == cap(c.readBuf) {
			// Header block never terminated within the buffer.
			c.errKind = fetcherr.RequestTooLarge
			c.respond(httpmsg.BuildJSON(413, []byte(`{"error":"request too large"}`)))
			return true
		}

		n, err := unix.Read(c.fd, c.readBuf[len(c.readBuf):cap(c.readBuf)])
		if n > 0 {
			c.readBuf = c.readBuf[:len(c.readBuf)+n]
			if httpmsg.FindHeaderEnd(c.readBuf) >= 0 {
				c.setState(StateParsing)
				return true
			}
			continue
		}
		if err != nil {
			if err == unix.EAGAIN {
				return false
			}
			if err == unix.EINTR {
				continue
			}
			c.ioErr = err
			c.setState(StateDone)
			return true
		}
		// n == 0: peer closed before completing a request.
		c.setState(StateDone)
		return true
	}
}

func (c *Conn) stepParsing() bool {
	end := httpmsg.FindHeaderEnd(c.readBuf)
	c.req = httpmsg.Parse(c.readBuf[:end])

	if !c.req.Valid {
		c.errKind = c.req.Reason
		body := []byte(`{"error":"` + c.req.Reason.String() + `"}`)
		c.respond(httpmsg.BuildJSON(c.req.Reason.StatusCode(), body))
		return true
	}

	if c.req.Method == "OPTIONS" {
		// CORS pre-flight, answered uniformly for every path.
		c.endpoint = "*"
		c.respond(httpmsg.BuildNoBody(204))
		return true
	}

	c.setState(StateDispatching)
	return true
}

func (c *Conn) stepDispatching(s *sched.Scheduler) bool {
	if c.fetchPending {
		// Parked until the fetch task calls ResolveFetch.
		return false
	}
	return c.dispatch(s)
}

func (c *Conn) stepSending() bool {
	for c.sent < len(c.resp) {
		n, err := unix.Write(c.fd, c.resp[c.sent:])
		if n > 0 {
			c.sent += n
		}
		if err != nil {
			if err == unix.EAGAIN {
				return false
			}
			if err == unix.EINTR {
				continue
			}
			c.ioErr = err
			c.setState(StateDone)
			return true
		}
		if n == 0 {
			return false
		}
	}
	c.setState(StateDone)
	return true
}

// ResolveFetch is called by the fetch task it spawned: the response
// buffer is already a complete HTTP response, so move straight to
// sending.
func (c *Conn) ResolveFetch(responseBytes []byte) {
	c.fetchPending = false
	c.fetchID = 0
	c.respond(responseBytes)
}

func (c *Conn) respond(resp []byte) {
	c.resp = resp
	c.sent = 0
	if c.registered {
		_ = c.deps.Poller.Modify(c.fd, netpoll.Writable)
	}
	c.setState(StateSending)
}

func (c *Conn) setState(st State) {
	c.st = st
	c.stateSince = time.Now()
}

// finish emits the access log line and request metrics, then removes
// the task. The scheduler invokes Destroy afterward, which closes the
// socket.
func (c *Conn) finish(s *sched.Scheduler) {
	status := respStatus(c.resp)
	method, path := "", ""
	if c.req != nil {
		method, path = c.req.Method, c.req.Path
	}

	if c.deps.Log != nil {
		attrs := []any{
			"conn_id", c.tag,
			"method", method,
			"path", path,
			"status", status,
			"error", c.errKind.String(),
			"duration", time.Since(c.connectTime),
			"bytes_in", len(c.readBuf),
			"bytes_out", c.sent,
		}
		if c.ioErr != nil {
			attrs = append(attrs, "io_err", c.ioErr)
		}
		c.deps.Log.Info("request done", attrs...)
	}
	if c.deps.Metrics != nil && method != "" {
		endpoint := c.endpoint
		if endpoint == "" {
			endpoint = "other"
		}
		c.deps.Metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusLabel(status)).Inc()
		c.deps.Metrics.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(c.connectTime).Seconds())
	}

	s.RemoveCurrent()
}

// Destroy deregisters and closes the socket. Invoked exactly once by
// the scheduler.
func (c *Conn) Destroy() {
	if c.fd < 0 {
		return
	}
	if c.registered && c.deps.Poller != nil {
		c.deps.Poller.Remove(c.fd)
	}
	unix.Close(c.fd)
	c.fd = -1
}

// respStatus reads the numeric status back out of a rendered response.
func respStatus(resp []byte) int {
	// "HTTP/1.1 NNN ..."
	const prefix = "HTTP/1.1 "
	if len(resp) < len(prefix)+3 {
		return 0
	}
	code := 0
	for _, b := range resp[len(prefix) : len(prefix)+3] {
		if b < '0' || b > '9' {
			return 0
		}
		code = code*10 + int(b-'0')
	}
	return code
}

func statusLabel(code int) string {
	if code == 0 {
		return "closed"
	}
	return strconv.Itoa(code)
}
