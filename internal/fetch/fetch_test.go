package fetch

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobsv/weather-server/internal/fetcherr"
)

func TestParseGeocodeBody(t *testing.T) {
	body := []byte(`{"results":[{"latitude":59.32938,"longitude":18.06871,"name":"Stockholm"}]}`)
	result, kind := parseGeocodeBody(body)
	require.Equal(t, fetcherr.None, kind)
	assert.Equal(t, 59.3294, result.Lat)
	assert.Equal(t, 18.0687, result.Lon)
	assert.Equal(t, "Stockholm", result.Canonical)
}

func TestParseGeocodeBodyEmptyResults(t *testing.T) {
	_, kind := parseGeocodeBody([]byte(`{"results":[]}`))
	assert.Equal(t, fetcherr.CityNotFound, kind)

	_, kind = parseGeocodeBody([]byte(`{}`))
	assert.Equal(t, fetcherr.CityNotFound, kind)
}

func TestParseGeocodeBodyRejectsZeroZero(t *testing.T) {
	body := []byte(`{"results":[{"latitude":0,"longitude":0,"name":"Null Island"}]}`)
	_, kind := parseGeocodeBody(body)
	assert.Equal(t, fetcherr.CityNotFound, kind)
}

func TestParseGeocodeBodyInvalidJSON(t *testing.T) {
	_, kind := parseGeocodeBody([]byte(`<html>nope</html>`))
	assert.Equal(t, fetcherr.UpstreamParseFailed, kind)
}

func TestAugmentWeatherBody(t *testing.T) {
	raw := []byte(`{"current_weather":{"temperature":5}}`)
	out, kind := augmentWeatherBody(raw, "Stockholm", "STOCKHOLM")
	require.Equal(t, fetcherr.None, kind)

	s := string(out)
	assert.Contains(t, s, `"city":"Stockholm"`)
	assert.Contains(t, s, `"req_location":"STOCKHOLM"`)
	assert.Contains(t, s, `"temperature":5`)
}

func TestAugmentWeatherBodyRejectsNonJSON(t *testing.T) {
	_, kind := augmentWeatherBody([]byte(`not json`), "x", "x")
	assert.Equal(t, fetcherr.UpstreamParseFailed, kind)
}

func TestBuildGeocodeRequestEncodesName(t *testing.T) {
	cfg := Config{GeocodeHost: "geo.example", UserAgent: "test/1.0"}
	path, req := buildGeocodeRequest(cfg, "new york")

	assert.Equal(t, "/v1/search?name=new+york&count=1&language=en&format=json", path)

	s := string(req)
	assert.True(t, strings.HasPrefix(s, "GET /v1/search?name=new+york"))
	assert.Contains(t, s, "Host: geo.example\r\n")
	assert.Contains(t, s, "Connection: close\r\n")
	assert.Contains(t, s, "User-Agent: test/1.0\r\n")
	assert.True(t, strings.HasSuffix(s, "\r\n\r\n"))
}

func TestBuildWeatherRequestUsesSixDecimals(t *testing.T) {
	cfg := Config{ForecastHost: "fc.example", UserAgent: "test/1.0"}
	path, _ := buildWeatherRequest(cfg, 59.3293, 18.0686)
	assert.Contains(t, path, "latitude=59.329300")
	assert.Contains(t, path, "longitude=18.068600")
	assert.Contains(t, path, "current_weather=true")
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	out, err := decodeChunked(raw)
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(out))
}

func TestDecodeChunkedTruncated(t *testing.T) {
	_, err := decodeChunked([]byte("ff\r\nshort\r\n"))
	assert.Error(t, err)
}

func TestLegStatusCodeAndBody(t *testing.T) {
	l := newHTTPLeg(nil, 1<<20)
	l.respBuf = []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"ok\":true}")
	assert.Equal(t, 200, l.statusCode())

	body, err := l.body()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestLegBodyDecodesChunked(t *testing.T) {
	l := newHTTPLeg(nil, 1<<20)
	l.respBuf = []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nb\r\n{\"ok\":true}\r\n0\r\n\r\n")
	body, err := l.body()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
}

// startStubUpstream serves one HTTP exchange per accepted connection:
// read until the blank line, write response, close.
func startStubUpstream(t *testing.T, response string) (net.IP, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				total := ""
				for !strings.Contains(total, "\r\n\r\n") {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					total += string(buf[:n])
				}
				conn.Write([]byte(response))
			}(conn)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return net.IPv4(127, 0, 0, 1), port
}

// driveLeg ticks the leg until it finishes or the deadline passes.
func driveLeg(t *testing.T, l *httpLeg) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !l.finished() {
		if time.Now().After(deadline) {
			t.Fatalf("leg did not finish, state=%d", l.state)
		}
		l.tick()
		time.Sleep(time.Millisecond)
	}
}

func TestHTTPLegRoundTrip(t *testing.T) {
	body := `{"results":[{"latitude":59.3293,"longitude":18.0686,"name":"Stockholm"}]}`
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nConnection: close\r\n\r\n%s", body)
	ip, port := startStubUpstream(t, resp)

	l := newHTTPLeg(nil, 1<<20)
	req := buildGETRequest("geo.example", "/v1/search?name=stockholm", "test/1.0")
	require.NoError(t, l.start(ip, port, "geo.example", "/v1/search?name=stockholm", req))
	defer l.destroy()

	driveLeg(t, l)

	require.Equal(t, legDone, l.state)
	assert.Equal(t, 200, l.statusCode())

	got, err := l.body()
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestHTTPLegConnectRefused(t *testing.T) {
	// Port 1 on loopback is essentially guaranteed closed.
	l := newHTTPLeg(nil, 1<<20)
	req := buildGETRequest("geo.example", "/", "test/1.0")
	require.NoError(t, l.start(net.IPv4(127, 0, 0, 1), 1, "geo.example", "/", req))
	defer l.destroy()

	driveLeg(t, l)

	assert.Equal(t, legError, l.state)
	assert.Equal(t, fetcherr.UpstreamConnectFailed, l.kind)
}
