package connfsm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/zerobsv/weather-server/internal/cache"
	"github.com/zerobsv/weather-server/internal/fetch"
	"github.com/zerobsv/weather-server/internal/metrics"
	"github.com/zerobsv/weather-server/internal/sched"
	"github.com/zerobsv/weather-server/internal/surprise"
)

// idlePoller keeps scheduler test runs from spinning hot.
type idlePoller struct{}

func (idlePoller) Wait(ctx context.Context, timeout time.Duration) error {
	time.Sleep(time.Millisecond)
	return nil
}

func (idlePoller) Close() error { return nil }

func testDeps(t *testing.T) *Deps {
	t.Helper()
	dir := t.TempDir()

	gcache, err := cache.Load(filepath.Join(dir, "location_coordinates.csv"))
	require.NoError(t, err)

	wcache := cache.NewWeatherCache(filepath.Join(dir, "weather"))
	require.NoError(t, wcache.Init())

	return &Deps{
		Fetch: fetch.Config{
			GeocodeHost:      "geo.invalid",
			GeocodeAddr:      net.IPv4(127, 0, 0, 1),
			ForecastHost:     "fc.invalid",
			ForecastAddr:     net.IPv4(127, 0, 0, 1),
			Port:             1, // closed port; tests that need upstream override this
			MaxResponseBytes: 1 << 20,
			UserAgent:        "test/1.0",
			Limiter:          rate.NewLimiter(rate.Inf, 1),
		},
		GeocodeCache: gcache,
		WeatherCache: wcache,
		Surprise:     surprise.New(filepath.Join(dir, "surprise")),
		Timeout:      5 * time.Second,
	}
}

// serveOne pushes one raw request through a full scheduler run and
// returns everything the server wrote before closing the socket.
func serveOne(t *testing.T, deps *Deps, rawRequest string) string {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	client := os.NewFile(uintptr(fds[1]), "client")
	defer client.Close()

	if rawRequest != "" {
		_, err = client.Write([]byte(rawRequest))
		require.NoError(t, err)
	}

	s := sched.New(nil, idlePoller{})
	_, err = s.Add(New(fds[0], deps))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.Shutdown()
		t.Fatal("scheduler did not drain")
	}

	resp, err := io.ReadAll(client)
	require.NoError(t, err)
	return string(resp)
}

func get(path string) string {
	return fmt.Sprintf("GET %s HTTP/1.1\r\nHost: x\r\n\r\n", path)
}

func respParts(t *testing.T, raw string) (status int, headers, body string) {
	t.Helper()
	head, body, found := strings.Cut(raw, "\r\n\r\n")
	require.True(t, found, "no header terminator in %q", raw)
	fields := strings.SplitN(head, " ", 3)
	require.GreaterOrEqual(t, len(fields), 2, "bad status line in %q", raw)
	status, err := strconv.Atoi(fields[1])
	require.NoError(t, err)
	return status, head, body
}

func TestHealth(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/health"))
	status, headers, body := respParts(t, raw)

	assert.Equal(t, 200, status)
	assert.Contains(t, headers, "Content-Type: application/json")
	assert.Contains(t, headers, "Connection: close")
	assert.Contains(t, headers, "Access-Control-Allow-Origin: *")
	assert.Equal(t, `{"status":"ok"}`, body)
}

func TestCities(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/cities"))
	status, _, body := respParts(t, raw)
	require.Equal(t, 200, status)

	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.NotEmpty(t, list)

	var stockholm map[string]any
	for _, c := range list {
		if c["name"] == "Stockholm" {
			stockholm = c
		}
	}
	require.NotNil(t, stockholm)
	assert.InDelta(t, 59.33, stockholm["latitude"].(float64), 0.01)
	assert.InDelta(t, 18.07, stockholm["longitude"].(float64), 0.01)
}

func TestVersion(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/version"))
	status, _, body := respParts(t, raw)
	require.Equal(t, 200, status)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	assert.NotEmpty(t, v["go"])
	assert.NotEmpty(t, v["version"])
}

func TestOptionsPreflight(t *testing.T) {
	raw := serveOne(t, testDeps(t), "OPTIONS /weather HTTP/1.1\r\nHost: x\r\n\r\n")
	status, headers, body := respParts(t, raw)

	assert.Equal(t, 204, status)
	assert.Contains(t, headers, "Access-Control-Allow-Methods: GET, OPTIONS")
	assert.Empty(t, body)
}

func TestUnknownRouteIs404(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/nope"))
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 404, status)
}

func TestUnsupportedMethodIs405(t *testing.T) {
	raw := serveOne(t, testDeps(t), "POST /health HTTP/1.1\r\nHost: x\r\n\r\n")
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 405, status)
}

func TestLongURIIs414(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/"+strings.Repeat("a", 300)))
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 414, status)
}

func TestMalformedRequestIs400(t *testing.T) {
	raw := serveOne(t, testDeps(t), "GET HTTP/1.1\r\nHost: x\r\n\r\n")
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 400, status)
}

func TestOversizedHeaderBlockIs413(t *testing.T) {
	huge := "GET /health HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", ReadBufferSize) + "\r\n\r\n"
	raw := serveOne(t, testDeps(t), huge)
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 413, status)
}

func TestWeatherMissingCityIs400(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/weather"))
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 400, status)
}

func TestSurpriseServesFileWithMIME(t *testing.T) {
	deps := testDeps(t)
	dir := t.TempDir()
	deps.Surprise = surprise.New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	raw := serveOne(t, deps, get("/surprise"))
	status, headers, body := respParts(t, raw)

	assert.Equal(t, 200, status)
	assert.Contains(t, headers, "Content-Type: text/html")
	assert.Equal(t, "<h1>hi</h1>", body)
}

func TestSurpriseMissingFileIs404(t *testing.T) {
	raw := serveOne(t, testDeps(t), get("/surprise/none.png"))
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 404, status)
}

func TestTimeoutClosesWithoutResponse(t *testing.T) {
	deps := testDeps(t)
	deps.Timeout = 50 * time.Millisecond

	raw := serveOne(t, deps, "") // never send a request
	assert.Empty(t, raw)
}

// seedWeatherCache pre-places a fresh cached forecast for Stockholm
// and the matching geocode entry, so /weather never leaves the box.
func seedWeatherCache(t *testing.T, deps *Deps, body string) {
	t.Helper()
	require.NoError(t, deps.GeocodeCache.Insert("stockholm", "Stockholm", 59.3293, 18.0686))
	require.NoError(t, deps.WeatherCache.SetByCoords("stockholm", 59.3293, 18.0686, []byte(body)))
}

func TestWeatherServedFromCache(t *testing.T) {
	deps := testDeps(t)
	seedWeatherCache(t, deps, `{"current_weather":{"temperature":5}}`)

	raw := serveOne(t, deps, get("/weather?city=Stockholm"))
	status, _, body := respParts(t, raw)
	require.Equal(t, 200, status)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "Stockholm", doc["city"])
	assert.Equal(t, "Stockholm", doc["req_location"])
	cw, ok := doc["current_weather"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), cw["temperature"])
}

func TestWeatherNormalizationHitsSameCacheEntry(t *testing.T) {
	deps := testDeps(t)
	seedWeatherCache(t, deps, `{"current_weather":{"temperature":5}}`)

	for _, city := range []string{"STOCKHOLM", "stockholm%20"} {
		raw := serveOne(t, deps, get("/weather?city="+city))
		status, _, body := respParts(t, raw)
		require.Equal(t, 200, status, "city=%s", city)
		assert.Contains(t, body, `"temperature":5`, "city=%s", city)
	}
}

// startStubUpstream answers every accepted connection with response
// and closes it.
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

	return net.IPv4(127, 0, 0, 1), ln.Addr().(*net.TCPAddr).Port
}

func httpResponse(body string) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nConnection: close\r\n\r\n%s", body)
}

func TestWeatherCityNotFoundIs404(t *testing.T) {
	deps := testDeps(t)
	ip, port := startStubUpstream(t, httpResponse(`{"results":[]}`))
	deps.Fetch.GeocodeAddr = ip
	deps.Fetch.Port = port

	raw := serveOne(t, deps, get("/weather?city=Xyzzy"))
	status, _, body := respParts(t, raw)

	assert.Equal(t, 404, status)
	assert.Equal(t, `{"error":"Location not found","city":"Xyzzy"}`, body)
}

func TestWeatherPoisonedCacheIsEvictedAndRefetched(t *testing.T) {
	deps := testDeps(t)
	seedWeatherCache(t, deps, `{"error":"Too many concurrent requests"}`)

	fresh := `{"current_weather":{"temperature":7}}`
	ip, port := startStubUpstream(t, httpResponse(fresh))
	deps.Fetch.ForecastAddr = ip
	deps.Fetch.GeocodeAddr = ip
	deps.Fetch.Port = port

	raw := serveOne(t, deps, get("/weather?city=Stockholm"))
	status, _, body := respParts(t, raw)
	require.Equal(t, 200, status)
	assert.Contains(t, body, `"temperature":7`)

	// The poisoned file must have been replaced by the live body.
	cached, err := deps.WeatherCache.GetByCoords("stockholm", 59.3293, 18.0686)
	require.NoError(t, err)
	assert.Equal(t, fresh, string(cached))
}

func TestMetricsLabelByRouteTemplate(t *testing.T) {
	deps := testDeps(t)
	promReg := prometheus.NewRegistry()
	deps.Metrics = metrics.New(promReg)

	// Two distinct files under /surprise and two arbitrary 404 paths
	// must collapse onto the route template and "other" respectively,
	// never the raw request path.
	for _, path := range []string{"/surprise/a.png", "/surprise/b.png", "/nope", "/also/nope"} {
		serveOne(t, deps, get(path))
	}

	surprised := testutil.ToFloat64(deps.Metrics.HTTPRequestsTotal.WithLabelValues("GET", "/surprise", "404"))
	assert.Equal(t, float64(2), surprised)

	other := testutil.ToFloat64(deps.Metrics.HTTPRequestsTotal.WithLabelValues("GET", "other", "404"))
	assert.Equal(t, float64(2), other)
}

func TestWeatherUpstreamConnectFailureIs500(t *testing.T) {
	deps := testDeps(t) // upstream is 127.0.0.1:1, closed
	raw := serveOne(t, deps, get("/weather?city=Nowhere"))
	status, _, _ := respParts(t, raw)
	assert.Equal(t, 500, status)
}
