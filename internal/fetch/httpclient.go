package fetch

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zerobsv/weather-server/internal/fetcherr"
	"github.com/zerobsv/weather-server/internal/netpoll"
)

// legState tracks one HTTP client flow: connect, send, recv.
type legState int

const (
	legIdle legState = iota
	legConnecting
	legSending
	legReceiving
	legDone
	legError
)

// httpLeg is one non-blocking HTTP/1.1 client flow against a single
// upstream host, reused for both the geocode and the forecast request:
// a socket, an owned request buffer with a sent cursor, and a growable
// response buffer. A fetch holds two legs but at most one has a live
// socket at any time.
type httpLeg struct {
	fd         int
	poller     *netpoll.Poller
	registered bool

	host string
	path string

	reqBuf []byte
	sent   int

	respBuf  []byte
	maxBytes int

	connectStart time.Time

	state legState
	kind  fetcherr.Kind // set when state == legError
}

func newHTTPLeg(poller *netpoll.Poller, maxBytes int) *httpLeg {
	return &httpLeg{fd: -1, poller: poller, maxBytes: maxBytes}
}

// start opens a non-blocking socket and begins connecting to addr:port,
// with req as the full request bytes to send once connected.
func (l *httpLeg) start(addr net.IP, port int, host, path string, req []byte) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("fetch: socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], addr.To4())

	l.fd = fd
	l.host = host
	l.path = path
	l.reqBuf = req
	l.sent = 0
	l.respBuf = l.respBuf[:0]
	l.connectStart = time.Now()
	l.state = legConnecting
	l.kind = fetcherr.None

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		l.fd = -1
		l.state = legError
		l.kind = fetcherr.UpstreamConnectFailed
		return nil
	}

	if l.poller != nil {
		if addErr := l.poller.Add(fd, netpoll.Readable|netpoll.Writable); addErr == nil {
			l.registered = true
		}
	}
	return nil
}

// tick advances the leg by one non-blocking step. Every branch either
// makes progress or returns having changed nothing, leaving the leg to
// be resumed next tick.
func (l *httpLeg) tick() {
	switch l.state {
	case legConnecting:
		l.tickConnecting()
	case legSending:
		l.tickSending()
	case legReceiving:
		l.tickReceiving()
	}
}

func (l *httpLeg) tickConnecting() {
	errno, err := unix.GetsockoptInt(l.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		l.fail(fetcherr.UpstreamConnectFailed)
		return
	}
	switch errno {
	case 0:
		l.state = legSending
		l.tickSending()
	case int(unix.EINPROGRESS), int(unix.EALREADY):
		if time.Since(l.connectStart) > connectTimeout {
			l.fail(fetcherr.UpstreamConnectFailed)
		}
		// otherwise still connecting; stay
	default:
		l.fail(fetcherr.UpstreamConnectFailed)
	}
}

func (l *httpLeg) tickSending() {
	for l.sent < len(l.reqBuf) {
		n, err := unix.Write(l.fd, l.reqBuf[l.sent:])
		if n > 0 {
			l.sent += n
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			l.fail(fetcherr.UpstreamSendFailed)
			return
		}
		if n == 0 {
			return
		}
	}
	l.state = legReceiving
	if l.registered {
		_ = l.poller.Modify(l.fd, netpoll.Readable)
	}
}

// recvChunk is the read granularity per syscall; respBuf grows
// geometrically up to maxBytes.
const recvChunk = 16 * 1024

func (l *httpLeg) tickReceiving() {
	buf := make([]byte, recvChunk)
	for {
		n, err := unix.Read(l.fd, buf)
		if n > 0 {
			if len(l.respBuf)+n > l.maxBytes {
				n = l.maxBytes - len(l.respBuf)
				if n <= 0 {
					l.state = legDone
					return
				}
			}
			l.respBuf = append(l.respBuf, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			l.fail(fetcherr.UpstreamRecvFailed)
			return
		}
		if n == 0 {
			l.state = legDone
			return
		}
	}
}

func (l *httpLeg) fail(kind fetcherr.Kind) {
	l.state = legError
	l.kind = kind
}

// finished reports whether the leg has reached a terminal state.
func (l *httpLeg) finished() bool {
	return l.state == legDone || l.state == legError
}

// body returns the response body after the header terminator, decoding
// chunked transfer-encoding if present.
func (l *httpLeg) body() ([]byte, error) {
	idx := bytes.Index(l.respBuf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, fmt.Errorf("fetch: response missing header terminator")
	}
	header := l.respBuf[:idx]
	raw := l.respBuf[idx+4:]

	if bytes.Contains(bytes.ToLower(header), []byte("transfer-encoding: chunked")) {
		return decodeChunked(raw)
	}
	return raw, nil
}

// statusCode extracts the numeric status from the response's first
// line ("HTTP/1.1 200 OK").
func (l *httpLeg) statusCode() int {
	lineEnd := bytes.Index(l.respBuf, []byte("\r\n"))
	if lineEnd < 0 {
		return 0
	}
	fields := bytes.Fields(l.respBuf[:lineEnd])
	if len(fields) < 2 {
		return 0
	}
	code := 0
	for _, b := range fields[1] {
		if b < '0' || b > '9' {
			return 0
		}
		code = code*10 + int(b-'0')
	}
	return code
}

// destroy closes the socket and deregisters it from the poller. Safe to
// call multiple times.
func (l *httpLeg) destroy() {
	if l.fd < 0 {
		return
	}
	if l.registered && l.poller != nil {
		l.poller.Remove(l.fd)
	}
	unix.Close(l.fd)
	l.fd = -1
	l.registered = false
}

// decodeChunked decodes an HTTP/1.1 chunked-transfer body.
func decodeChunked(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	for len(raw) > 0 {
		lineEnd := bytes.Index(raw, []byte("\r\n"))
		if lineEnd < 0 {
			return nil, fmt.Errorf("fetch: chunked encoding: missing size line")
		}
		sizeLine := raw[:lineEnd]
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := parseHexSize(sizeLine)
		if err != nil {
			return nil, fmt.Errorf("fetch: chunked encoding: %w", err)
		}
		raw = raw[lineEnd+2:]
		if size == 0 {
			break
		}
		if len(raw) < size {
			return nil, fmt.Errorf("fetch: chunked encoding: truncated chunk")
		}
		out.Write(raw[:size])
		raw = raw[size:]
		if len(raw) >= 2 && raw[0] == '\r' && raw[1] == '\n' {
			raw = raw[2:]
		}
	}
	return out.Bytes(), nil
}

func parseHexSize(b []byte) (int, error) {
	n := 0
	if len(b) == 0 {
		return 0, fmt.Errorf("empty chunk size")
	}
	for _, c := range b {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n |= int(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q", c)
		}
	}
	return n, nil
}
