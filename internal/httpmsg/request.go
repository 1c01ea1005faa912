// Package httpmsg implements minimal HTTP/1.1 request parsing and
// response building. It is intentionally not net/http: the
// connection-oriented core owns its own wire framing so the
// cooperative connection state machine can read and parse
// incrementally across non-blocking recv calls.
package httpmsg

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/zerobsv/weather-server/internal/fetcherr"
)

// MaxPathLen is the request-target length limit; anything longer is
// answered with 414.
const MaxPathLen = 256

// HeaderTerminator marks the end of the header block.
var HeaderTerminator = []byte("\r\n\r\n")

// QueryParam is one name/value pair from the query string. Duplicate
// keys keep the first occurrence.
type QueryParam struct {
	Name  string
	Value string
}

// Request is the parsed request line plus query parameters. It is
// nested inside a Connection and shares its lifetime.
type Request struct {
	Method  string
	RawPath string // target as received, including any query string
	Path    string // path portion only, not percent-decoded
	Query   []QueryParam

	Valid  bool
	Reason fetcherr.Kind
}

// QueryValue looks up the first value for name, if present.
func (r *Request) QueryValue(name string) (string, bool) {
	for _, q := range r.Query {
		if q.Name == name {
			return q.Value, true
		}
	}
	return "", false
}

// FindHeaderEnd reports the index of the byte following the blank line
// that terminates the header block, or -1 if buf does not yet contain
// one.
func FindHeaderEnd(buf []byte) int {
	idx := bytes.Index(buf, HeaderTerminator)
	if idx < 0 {
		return -1
	}
	return idx + len(HeaderTerminator)
}

// Parse parses the header block buf[:headerEnd] (as located by
// FindHeaderEnd) into a Request. It never fails: a malformed request
// produces a Request with Valid=false and a Reason, which the
// Connection FSM turns into the matching status response.
func Parse(headerBlock []byte) *Request {
	r := &Request{Valid: true}

	lineEnd := bytes.Index(headerBlock, []byte("\r\n"))
	if lineEnd < 0 {
		r.Valid = false
		r.Reason = fetcherr.RequestMalformed
		return r
	}
	requestLine := string(headerBlock[:lineEnd])

	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		r.Valid = false
		r.Reason = fetcherr.RequestMalformed
		return r
	}
	method, target, version := parts[0], parts[1], parts[2]

	if !strings.HasPrefix(version, "HTTP/1.") {
		r.Valid = false
		r.Reason = fetcherr.RequestMalformed
		return r
	}

	// "*" is the asterisk-form target, legal for OPTIONS only.
	if !strings.HasPrefix(target, "/") && !(target == "*" && method == "OPTIONS") {
		r.Valid = false
		r.Reason = fetcherr.RequestMalformed
		return r
	}

	if len(target) > MaxPathLen {
		r.Valid = false
		r.Reason = fetcherr.RequestURITooLong
		return r
	}

	if method != "GET" && method != "OPTIONS" {
		r.Valid = false
		r.Reason = fetcherr.RequestMethodUnsupported
		return r
	}

	r.Method = method
	r.RawPath = target

	path, query, _ := strings.Cut(target, "?")
	r.Path = path
	r.Query = parseQuery(query)

	return r
}

// parseQuery tokenizes by '&', then each token by the first '=';
// values are percent-decoded. Duplicate keys keep the first
// occurrence.
func parseQuery(raw string) []QueryParam {
	if raw == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []QueryParam
	for _, tok := range strings.Split(raw, "&") {
		if tok == "" {
			continue
		}
		name, value, _ := strings.Cut(tok, "=")
		name = percentDecode(name)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, QueryParam{Name: name, Value: percentDecode(value)})
	}
	return out
}

func percentDecode(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
