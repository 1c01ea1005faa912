// Command server is the weather query service: a single-threaded
// cooperative runtime serving GET /weather?city=<name> and friends,
// with on-disk geocode and forecast caches, plus an operational
// sidecar for Prometheus scraping.
//
// Usage:
//
//	server [port] [bind-address]
//
// Defaults: port 10480, address 127.0.0.1. Exits 0 on clean shutdown,
// 1 on initialization failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zerobsv/weather-server/internal/cache"
	"github.com/zerobsv/weather-server/internal/connfsm"
	"github.com/zerobsv/weather-server/internal/fetch"
	"github.com/zerobsv/weather-server/internal/listener"
	"github.com/zerobsv/weather-server/internal/metrics"
	"github.com/zerobsv/weather-server/internal/netpoll"
	"github.com/zerobsv/weather-server/internal/ops"
	"github.com/zerobsv/weather-server/internal/sched"
	"github.com/zerobsv/weather-server/internal/surprise"
	"github.com/zerobsv/weather-server/internal/telemetry"
)

const (
	defaultPort = 10480
	defaultBind = "127.0.0.1"

	geocodeHost  = "geocoding-api.open-meteo.com"
	forecastHost = "api.open-meteo.com"

	geocodeCachePath = "cache/location_coordinates.csv"
	weatherCacheDir  = "cache/weather"
	seedCitiesPath   = "cache/seed_cities.csv"
	surpriseDir      = "surprise"

	cleanupInterval = time.Hour
	cacheMaxAge     = 24 * time.Hour
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	port := defaultPort
	bind := defaultBind
	if len(args) >= 1 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 1 || p > 65535 {
			fmt.Fprintf(os.Stderr, "invalid port %q\nusage: server [port] [bind-address]\n", args[0])
			return 1
		}
		port = p
	}
	if len(args) >= 2 {
		bind = args[1]
	}

	ctx := context.Background()
	tel := telemetry.Setup(ctx, "weather-server")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	log := tel.Logger

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	poller, err := netpoll.New()
	if err != nil {
		log.Error("poller init failed", "err", err)
		return 1
	}
	defer poller.Close()

	s := sched.New(log, poller,
		sched.WithCleanupInterval(cleanupInterval),
		sched.WithTickObserver(func(st sched.Stats, d time.Duration) {
			m.SchedulerTasksActive.Set(float64(st.TasksActive))
			m.SchedulerTickDuration.Observe(d.Seconds())
		}),
	)

	gcache, err := cache.Load(geocodeCachePath)
	if err != nil {
		log.Error("geocode cache load failed", "path", geocodeCachePath, "err", err)
		return 1
	}
	m.GeocodeCacheEntries.Set(float64(gcache.Count()))

	wcache := cache.NewWeatherCache(weatherCacheDir)
	if err := wcache.Init(); err != nil {
		log.Error("weather cache init failed", "dir", weatherCacheDir, "err", err)
		return 1
	}

	// Upstream hosts are resolved once here, before the run loop, so no
	// tick ever blocks on DNS.
	fcfg, err := fetch.DefaultConfig(geocodeHost, forecastHost)
	if err != nil {
		log.Error("upstream host resolution failed", "err", err)
		return 1
	}

	deps := &connfsm.Deps{
		Log:          log,
		Metrics:      m,
		Poller:       poller,
		Tracer:       tel.Tracer,
		Fetch:        fcfg,
		GeocodeCache: gcache,
		WeatherCache: wcache,
		Surprise:     surprise.New(surpriseDir),
		CitiesCSV:    seedCitiesPath,
	}

	lst, err := listener.New(log, bind, port, func(fd int) sched.Task {
		return connfsm.New(fd, deps)
	}, m)
	if err != nil {
		log.Error("listener init failed", "bind", bind, "port", port, "err", err)
		return 1
	}
	if _, err := s.Add(lst); err != nil {
		log.Error("listener task registration failed", "err", err)
		lst.Destroy()
		return 1
	}

	if _, err := s.Add(cache.NewCleanupTask(log, wcache, gcache, cleanupInterval, cacheMaxAge)); err != nil {
		log.Warn("cache cleanup task registration failed", "err", err)
	}

	opsSrv := ops.Serve(log, fmt.Sprintf("%s:%d", bind, port+1), ops.Router(promReg, s.Stats))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		s.Shutdown()
	}()

	log.Info("listening", "addr", lst.Addr(), "ops_addr", fmt.Sprintf("%s:%d", bind, port+1))
	s.Run(ctx)
	s.CleanupAll()

	opsSrv.Stop()

	if gcache.IsDirty() {
		if err := gcache.Save(); err != nil {
			log.Error("geocode cache final save failed", "err", err)
		}
	}

	return 0
}
