package httpmsg

import (
	"bytes"
	"fmt"
)

// statusText covers exactly the status codes this server ever emits.
var statusText = map[int]string{
	200: "OK",
	204: "No Content",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	413: "Payload Too Large",
	414: "URI Too Long",
	500: "Internal Server Error",
}

// CORSHeaders go on every response.
var CORSHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, OPTIONS"},
}

// Build renders a full HTTP/1.1 response: status line, Content-Type,
// Content-Length, Connection: close, CORS headers, then body. There is
// no keep-alive; every connection is single-shot, so Connection: close
// is unconditional.
func Build(status int, contentType string, body []byte) []byte {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, text)
	if contentType != "" {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("Connection: close\r\n")
	for _, h := range CORSHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// BuildJSON is a convenience wrapper for the common case.
func BuildJSON(status int, body []byte) []byte {
	return Build(status, "application/json", body)
}

// BuildNoBody renders a response with no body (e.g. the 204 CORS
// preflight).
func BuildNoBody(status int) []byte {
	return Build(status, "", nil)
}
