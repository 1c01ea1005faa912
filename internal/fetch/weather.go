package fetch

import (
	"encoding/json"
	"fmt"

	"github.com/zerobsv/weather-server/internal/fetcherr"
)

func buildWeatherRequest(cfg Config, lat, lon float64) (path string, req []byte) {
	path = fmt.Sprintf(
		"/v1/forecast?latitude=%.6f&longitude=%.6f&current_weather=true&hourly=temperature_2m,precipitation,weathercode&timezone=auto",
		lat, lon,
	)
	req = buildGETRequest(cfg.ForecastHost, path, cfg.UserAgent)
	return path, req
}

// augmentWeatherBody validates body as JSON, injects "city" and
// "req_location", and compact-serializes the result. The raw,
// un-augmented body is what gets persisted to the weather cache; this
// function's output is only ever used for the client response.
func augmentWeatherBody(raw []byte, city, reqLocation string) ([]byte, fetcherr.Kind) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fetcherr.UpstreamParseFailed
	}
	doc["city"] = city
	doc["req_location"] = reqLocation

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fetcherr.UpstreamParseFailed
	}
	return out, fetcherr.None
}
