// Package fetcherr defines the typed error-kind enum shared by the
// connection FSM and the upstream fetch FSM. Errors are carried on task
// contexts through an explicit "error slot" (see internal/connfsm and
// internal/fetch) rather than propagated across task boundaries.
package fetcherr

// Kind identifies why a request or fetch failed, independent of any
// particular Go error value. The terminal state of a Connection or
// Upstream Fetch task consults the Kind to decide what, if anything, to
// write back to the client.
type Kind int

const (
	// None means no error occurred.
	None Kind = iota
	// RequestMalformed: the request line/headers could not be parsed.
	RequestMalformed
	// RequestMethodUnsupported: method is not GET or OPTIONS.
	RequestMethodUnsupported
	// RequestURITooLong: request target exceeds 256 bytes.
	RequestURITooLong
	// RequestTooLarge: header block did not terminate before the read
	// buffer filled.
	RequestTooLarge
	// RouteNotFound: no handler matches (method, path).
	RouteNotFound
	// CityNotFound: geocoding resolved zero results for the city name.
	CityNotFound
	// UpstreamConnectFailed: TCP connect to geocode/forecast host failed.
	UpstreamConnectFailed
	// UpstreamSendFailed: write() to the upstream socket failed.
	UpstreamSendFailed
	// UpstreamRecvFailed: read() from the upstream socket failed.
	UpstreamRecvFailed
	// UpstreamParseFailed: the upstream response body was not parseable.
	UpstreamParseFailed
	// UpstreamForbidden: upstream responded with status 403. Other
	// non-2xx statuses are not mapped here; their bodies go through the
	// normal parse path.
	UpstreamForbidden
	// Timeout: a task's state deadline elapsed. Surfaced by closing the
	// connection without a response.
	Timeout
	// Memory: allocation/buffer-growth failure, or a persistent-storage
	// write failure on the cache. Surfaced by closing the connection
	// without a response.
	Memory
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case RequestMalformed:
		return "request-malformed"
	case RequestMethodUnsupported:
		return "request-method-unsupported"
	case RequestURITooLong:
		return "request-uri-too-long"
	case RequestTooLarge:
		return "request-too-large"
	case RouteNotFound:
		return "route-not-found"
	case CityNotFound:
		return "city-not-found"
	case UpstreamConnectFailed:
		return "upstream-connect-failed"
	case UpstreamSendFailed:
		return "upstream-send-failed"
	case UpstreamRecvFailed:
		return "upstream-recv-failed"
	case UpstreamParseFailed:
		return "upstream-parse-failed"
	case UpstreamForbidden:
		return "upstream-forbidden"
	case Timeout:
		return "timeout"
	case Memory:
		return "memory"
	default:
		return "unknown"
	}
}

// StatusCode maps a Kind to its HTTP status. Timeout and Memory have
// no status: the connection is closed without a response, so callers
// must check HasResponse first.
func (k Kind) StatusCode() int {
	switch k {
	case RequestMalformed:
		return 400
	case RequestMethodUnsupported:
		return 405
	case RequestURITooLong:
		return 414
	case RequestTooLarge:
		return 413
	case RouteNotFound, CityNotFound:
		return 404
	case UpstreamConnectFailed, UpstreamSendFailed, UpstreamRecvFailed,
		UpstreamParseFailed, UpstreamForbidden:
		return 500
	default:
		return 0
	}
}

// HasResponse reports whether this Kind maps to a well-formed HTTP
// response, as opposed to a silent connection close.
func (k Kind) HasResponse() bool {
	return k.StatusCode() != 0
}
