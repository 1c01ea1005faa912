package fetch

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Config carries the fixed upstream constants: hosts and their
// pre-resolved addresses, buffer limits, and the client User-Agent
// string.
type Config struct {
	GeocodeHost  string
	GeocodeAddr  net.IP
	ForecastHost string
	ForecastAddr net.IP
	Port         int // both upstreams are plain HTTP/1.1 on port 80

	MaxResponseBytes int // response buffer growth cap, default 1 MiB
	UserAgent        string

	// Limiter paces live upstream fetches. Bucket exhaustion holds the
	// fetch in its cache-lookup state, retrying each tick until a token
	// is free, rather than producing an error, so it never changes
	// response semantics.
	Limiter *rate.Limiter
}

const defaultMaxResponseBytes = 1 << 20 // 1 MiB

// DefaultConfig resolves the two upstream hosts once, at startup, so
// no tick ever blocks on DNS.
func DefaultConfig(geocodeHost, forecastHost string) (Config, error) {
	cfg := Config{
		GeocodeHost:      geocodeHost,
		ForecastHost:     forecastHost,
		Port:             80,
		MaxResponseBytes: defaultMaxResponseBytes,
		UserAgent:        "weather-server/1.0",
		Limiter:          rate.NewLimiter(rate.Limit(5), 10),
	}

	geoAddr, err := resolveHost(geocodeHost)
	if err != nil {
		return Config{}, fmt.Errorf("fetch: resolve geocode host %s: %w", geocodeHost, err)
	}
	cfg.GeocodeAddr = geoAddr

	fcAddr, err := resolveHost(forecastHost)
	if err != nil {
		return Config{}, fmt.Errorf("fetch: resolve forecast host %s: %w", forecastHost, err)
	}
	cfg.ForecastAddr = fcAddr

	return cfg, nil
}

// resolveHost blocks, which is why it runs at process startup rather
// than inside a tick.
func resolveHost(host string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(ips) > 0 {
		return ips[0].IP, nil
	}
	return nil, fmt.Errorf("no addresses for host %s", host)
}

// connectTimeout bounds how long a single TCP connect may stay in
// "in progress" before the leg gives up. The connection's overall 30s
// timeout is the backstop either way.
const connectTimeout = 10 * time.Second
