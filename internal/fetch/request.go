package fetch

import "fmt"

// buildGETRequest renders a minimal HTTP/1.1 GET request. Connection:
// close makes "EOF = end of body" well-defined on the receive side.
func buildGETRequest(host, path, userAgent string) []byte {
	return []byte(fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\nUser-Agent: %s\r\n\r\n",
		path, host, userAgent,
	))
}
