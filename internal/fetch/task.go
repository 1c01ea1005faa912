// Package fetch implements the upstream fetch state machine: resolve a
// city name to a forecast JSON body, honoring the geocode and weather
// caches, and hand the result back to the owning connection.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerobsv/weather-server/internal/cache"
	"github.com/zerobsv/weather-server/internal/fetcherr"
	"github.com/zerobsv/weather-server/internal/httpmsg"
	"github.com/zerobsv/weather-server/internal/metrics"
	"github.com/zerobsv/weather-server/internal/netpoll"
	"github.com/zerobsv/weather-server/internal/normalize"
	"github.com/zerobsv/weather-server/internal/sched"
)

type state int

const (
	stateInit state = iota
	stateGeocodeCacheLookup
	stateGeocodeFetching
	stateWeatherCacheLookup
	stateWeatherFetching
	stateDone
	stateError
)

// Context is the fetch task's owned state. It holds a non-owning
// handle (sched.ID) to its connection, never a live pointer; the
// connection's lifetime is its own.
type Context struct {
	id       sched.ID // this task's own scheduler id, set on first Run
	connID   sched.ID
	fetchTag string

	cityRaw      string // as received, possibly mixed-case/percent-encoded
	normalized   string
	triedAltNorm bool
	lat, lon     float64
	canonical    string

	geo     *httpLeg
	weather *httpLeg

	st      state
	err     fetcherr.Kind
	body200 []byte // set on success by deliverWeatherBody

	cfg          Config
	geocodeCache *cache.GeocodeCache
	weatherCache *cache.WeatherCache
	metrics      *metrics.Registry
	poller       *netpoll.Poller

	log    *slog.Logger
	tracer trace.Tracer
	span   trace.Span
}

// New constructs an Upstream Fetch task for cityRaw, back-referencing
// connID.
func New(
	connID sched.ID,
	cityRaw string,
	cfg Config,
	geocodeCache *cache.GeocodeCache,
	weatherCache *cache.WeatherCache,
	reg *metrics.Registry,
	poller *netpoll.Poller,
	log *slog.Logger,
	tracer trace.Tracer,
) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		connID:       connID,
		fetchTag:     uuid.NewString(),
		cityRaw:      cityRaw,
		cfg:          cfg,
		geocodeCache: geocodeCache,
		weatherCache: weatherCache,
		metrics:      reg,
		poller:       poller,
		log:          log,
		tracer:       tracer,
		geo:          newHTTPLeg(poller, cfg.MaxResponseBytes),
		weather:      newHTTPLeg(poller, cfg.MaxResponseBytes),
	}
}

func (f *Context) Kind() sched.Kind { return sched.KindFetch }

// Run advances the FSM until it either suspends on in-flight I/O or
// reaches a terminal state. Terminal states deliver their result to the
// Connection (via ConnectionSink) and remove themselves.
func (f *Context) Run(s *sched.Scheduler, id sched.ID) {
	f.id = id

	sink, alive := f.lookupSink(s)
	if !alive {
		// The connection timed out or finished without us; there is
		// nobody left to deliver to.
		s.RemoveCurrent()
		return
	}

	for f.step() {
	}

	if f.st == stateDone || f.st == stateError {
		sink.ResolveFetch(f.buildResult())
		s.RemoveCurrent()
	}
}

func (f *Context) lookupSink(s *sched.Scheduler) (ConnectionSink, bool) {
	task, ok := s.Lookup(f.connID)
	if !ok {
		return nil, false
	}
	sink, ok := task.(ConnectionSink)
	return sink, ok
}

// step performs one state transition and reports whether it made
// progress (true means call step again this same tick; false means the
// FSM is either suspended on I/O or has reached a terminal state).
func (f *Context) step() bool {
	switch f.st {
	case stateInit:
		f.normalized = normalize.City(f.cityRaw)
		f.startSpan()
		f.st = stateGeocodeCacheLookup
		return true

	case stateGeocodeCacheLookup:
		return f.stepGeocodeCacheLookup()

	case stateGeocodeFetching:
		return f.stepGeocodeFetching()

	case stateWeatherCacheLookup:
		return f.stepWeatherCacheLookup()

	case stateWeatherFetching:
		return f.stepWeatherFetching()

	default: // stateDone, stateError
		return false
	}
}

func (f *Context) stepGeocodeCacheLookup() bool {
	if entry, ok := f.geocodeCache.Lookup(f.normalized); ok {
		f.lat, f.lon = entry.Lat, entry.Lon
		f.canonical = entry.Display
		f.st = stateWeatherCacheLookup
		return true
	}

	if !f.cfg.Limiter.Allow() {
		return false // suspend this tick; try again next tick
	}

	_, req := buildGeocodeRequest(f.cfg, f.normalized)
	if err := f.geo.start(f.cfg.GeocodeAddr, f.cfg.Port, f.cfg.GeocodeHost, "", req); err != nil {
		f.fail(fetcherr.UpstreamConnectFailed)
		return true
	}
	f.st = stateGeocodeFetching
	return true
}

func (f *Context) stepGeocodeFetching() bool {
	f.geo.tick()
	if !f.geo.finished() {
		return false
	}
	// Close the geocode socket now, so it is never open alongside the
	// weather leg's. The response bytes stay in the leg's buffer.
	f.geo.destroy()

	if f.geo.state == legError {
		f.fail(f.geo.kind)
		return true
	}

	body, err := f.geo.body()
	if err != nil {
		f.fail(fetcherr.UpstreamParseFailed)
		return true
	}
	if f.geo.statusCode() == 403 {
		f.fail(fetcherr.UpstreamForbidden)
		return true
	}

	result, kind := parseGeocodeBody(body)
	if kind == fetcherr.CityNotFound {
		if !f.triedAltNorm && normalize.ContainsAringByte(f.cityRaw) {
			// Å/å legacy-data fallback, at most once.
			f.triedAltNorm = true
			altName := normalize.ApplyAringToAFallback(f.normalized)
			_, req := buildGeocodeRequest(f.cfg, altName)
			f.geo.destroy()
			f.geo = newHTTPLeg(f.poller, f.cfg.MaxResponseBytes)
			if err := f.geo.start(f.cfg.GeocodeAddr, f.cfg.Port, f.cfg.GeocodeHost, "", req); err != nil {
				f.fail(fetcherr.UpstreamConnectFailed)
				return true
			}
			return true // stay in stateGeocodeFetching with a fresh leg
		}
		f.fail(fetcherr.CityNotFound)
		return true
	}
	if kind != fetcherr.None {
		f.fail(kind)
		return true
	}

	f.lat, f.lon = result.Lat, result.Lon
	f.canonical = result.Canonical
	if err := f.geocodeCache.Insert(f.normalized, result.Canonical, result.Lat, result.Lon); err != nil {
		f.log.Error("geocode cache insert failed", "fetch_id", f.fetchTag, "err", err)
	}
	if f.metrics != nil {
		f.metrics.GeocodeCacheEntries.Set(float64(f.geocodeCache.Count()))
	}

	f.st = stateWeatherCacheLookup
	return true
}

func (f *Context) stepWeatherCacheLookup() bool {
	body, err := f.weatherCache.GetByCoords(f.normalized, f.lat, f.lon)
	if err == nil {
		if cache.IsPoison(body) {
			_ = f.weatherCache.RemoveByCoords(f.normalized, f.lat, f.lon)
			if f.metrics != nil {
				f.metrics.WeatherCachePoisonEvicts.Inc()
			}
			// fall through to live fetch below
		} else {
			if f.metrics != nil {
				f.metrics.WeatherCacheHitTotal.Inc()
			}
			f.deliverWeatherBody(body)
			return true
		}
	} else if f.metrics != nil {
		f.metrics.WeatherCacheMissTotal.Inc()
	}

	if !f.cfg.Limiter.Allow() {
		return false
	}

	_, req := buildWeatherRequest(f.cfg, f.lat, f.lon)
	if err := f.weather.start(f.cfg.ForecastAddr, f.cfg.Port, f.cfg.ForecastHost, "", req); err != nil {
		f.fail(fetcherr.UpstreamConnectFailed)
		return true
	}
	f.st = stateWeatherFetching
	return true
}

func (f *Context) stepWeatherFetching() bool {
	f.weather.tick()
	if !f.weather.finished() {
		return false
	}

	if f.weather.state == legError {
		f.fail(f.weather.kind)
		return true
	}

	body, err := f.weather.body()
	if err != nil {
		f.fail(fetcherr.UpstreamParseFailed)
		return true
	}
	if f.weather.statusCode() == 403 {
		f.fail(fetcherr.UpstreamForbidden)
		return true
	}
	if !json.Valid(body) {
		f.fail(fetcherr.UpstreamParseFailed)
		return true
	}

	// Persist the raw upstream body, not the augmented one.
	if err := f.weatherCache.SetByCoords(f.normalized, f.lat, f.lon, body); err != nil {
		f.log.Error("weather cache write failed", "fetch_id", f.fetchTag, "err", err)
	}

	f.deliverWeatherBody(body)
	return true
}

// deliverWeatherBody augments raw with city/req_location and builds the
// final 200 response, or fails the FSM if augmentation can't parse it.
func (f *Context) deliverWeatherBody(raw []byte) {
	augmented, kind := augmentWeatherBody(raw, f.canonical, f.cityRaw)
	if kind != fetcherr.None {
		f.fail(kind)
		return
	}
	f.body200 = augmented
	f.st = stateDone
}

func (f *Context) fail(kind fetcherr.Kind) {
	f.err = kind
	f.st = stateError
}

func (f *Context) startSpan() {
	if f.tracer == nil {
		return
	}
	_, span := f.tracer.Start(context.Background(), "weather.fetch",
		trace.WithAttributes(
			attribute.String("fetch.id", f.fetchTag),
			attribute.String("city.normalized", f.normalized),
		),
	)
	f.span = span
}

func (f *Context) endSpan() {
	if f.span == nil {
		return
	}
	if f.err != fetcherr.None {
		f.span.SetStatus(codes.Error, f.err.String())
	}
	f.span.End()
}

// buildResult renders the final HTTP/1.1 response bytes for either the
// success or error terminal state.
func (f *Context) buildResult() []byte {
	defer f.endSpan()

	if f.st == stateDone {
		return httpmsg.BuildJSON(200, f.body200)
	}

	if !f.err.HasResponse() {
		// Timeout/Memory mean a silent connection close, and the
		// connection handles its own timeout path; reaching here with
		// such a kind would be a fetch-internal defect, so fall back to
		// a generic 500 rather than hand over an empty buffer.
		return httpmsg.BuildJSON(500, []byte(`{"error":"internal error"}`))
	}

	if f.err == fetcherr.CityNotFound {
		body := fmt.Sprintf(`{"error":"Location not found","city":%q}`, f.cityRaw)
		return httpmsg.BuildJSON(404, []byte(body))
	}

	body := fmt.Sprintf(`{"error":%q}`, f.err.String())
	return httpmsg.BuildJSON(f.err.StatusCode(), []byte(body))
}

// Destroy closes any sockets still held by the geocode/weather legs.
// Called exactly once by the scheduler.
func (f *Context) Destroy() {
	f.geo.destroy()
	f.weather.destroy()
}
