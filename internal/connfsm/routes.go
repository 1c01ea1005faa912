package connfsm

import (
	"encoding/json"
	"errors"
	"runtime"
	"strings"

	"github.com/zerobsv/weather-server/internal/cities"
	"github.com/zerobsv/weather-server/internal/fetch"
	"github.com/zerobsv/weather-server/internal/fetcherr"
	"github.com/zerobsv/weather-server/internal/httpmsg"
	"github.com/zerobsv/weather-server/internal/sched"
	"github.com/zerobsv/weather-server/internal/surprise"
)

// Version is stamped into /version responses. Overridable at link time
// with -ldflags "-X ...connfsm.Version=v1.2.3".
var Version = "dev"

// route maps (method, path) to a handler. A handler returning true
// produced a response inline; returning false means it spawned a fetch
// task and the connection stays parked in dispatching.
type route struct {
	method string
	path   string
	prefix bool
	handle func(c *Conn, s *sched.Scheduler) bool
}

var routes = []route{
	{method: "GET", path: "/health", handle: handleHealth},
	{method: "GET", path: "/cities", handle: handleCities},
	{method: "GET", path: "/version", handle: handleVersion},
	{method: "GET", path: "/surprise", prefix: true, handle: handleSurprise},
	{method: "GET", path: "/weather", handle: handleWeather},
}

// dispatch routes the parsed request. Returns true when the response
// buffer was populated inline (the state machine keeps cascading), or
// false when a fetch task now owns the response.
func (c *Conn) dispatch(s *sched.Scheduler) bool {
	for _, r := range routes {
		if r.method != c.req.Method {
			continue
		}
		if r.prefix {
			if c.req.Path == r.path || strings.HasPrefix(c.req.Path, r.path+"/") {
				c.endpoint = r.path
				return r.handle(c, s)
			}
			continue
		}
		if c.req.Path == r.path {
			c.endpoint = r.path
			return r.handle(c, s)
		}
	}

	c.errKind = fetcherr.RouteNotFound
	c.respond(httpmsg.BuildJSON(404, []byte(`{"error":"not found"}`)))
	return true
}

func handleHealth(c *Conn, _ *sched.Scheduler) bool {
	c.respond(httpmsg.BuildJSON(200, []byte(`{"status":"ok"}`)))
	return true
}

func handleVersion(c *Conn, _ *sched.Scheduler) bool {
	body, _ := json.Marshal(map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	})
	c.respond(httpmsg.BuildJSON(200, body))
	return true
}

func handleCities(c *Conn, _ *sched.Scheduler) bool {
	list, err := cities.List(c.deps.CitiesCSV)
	if err != nil {
		c.respond(httpmsg.BuildJSON(500, []byte(`{"error":"city list unavailable"}`)))
		return true
	}
	body, err := json.Marshal(list)
	if err != nil {
		c.respond(httpmsg.BuildJSON(500, []byte(`{"error":"city list unavailable"}`)))
		return true
	}
	c.respond(httpmsg.BuildJSON(200, body))
	return true
}

func handleSurprise(c *Conn, _ *sched.Scheduler) bool {
	name := strings.TrimPrefix(c.req.Path, "/surprise")
	name = strings.TrimPrefix(name, "/")

	body, contentType, err := c.deps.Surprise.Read(name)
	switch {
	case errors.Is(err, surprise.ErrNotFound), errors.Is(err, surprise.ErrOutsideRoot):
		c.errKind = fetcherr.RouteNotFound
		c.respond(httpmsg.BuildJSON(404, []byte(`{"error":"not found"}`)))
	case err != nil:
		c.respond(httpmsg.BuildJSON(500, []byte(`{"error":"surprise unavailable"}`)))
	default:
		c.respond(httpmsg.Build(200, contentType, body))
	}
	return true
}

// handleWeather spawns the upstream fetch task and parks the
// connection in dispatching until the task calls ResolveFetch.
func handleWeather(c *Conn, s *sched.Scheduler) bool {
	city, ok := c.req.QueryValue("city")
	if !ok || strings.TrimSpace(city) == "" {
		c.errKind = fetcherr.RequestMalformed
		c.respond(httpmsg.BuildJSON(400, []byte(`{"error":"missing city parameter"}`)))
		return true
	}

	task := fetch.New(
		c.id,
		city,
		c.deps.Fetch,
		c.deps.GeocodeCache,
		c.deps.WeatherCache,
		c.deps.Metrics,
		c.deps.Poller,
		c.deps.Log,
		c.deps.Tracer,
	)
	id, err := s.Add(task)
	if err != nil {
		c.respond(httpmsg.BuildJSON(500, []byte(`{"error":"server overloaded"}`)))
		return true
	}

	c.fetchID = id
	c.fetchPending = true
	return false
}
