package fetch

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"

	"github.com/zerobsv/weather-server/internal/fetcherr"
)

// geocodeResponse is the slice of the upstream geocoding payload this
// server actually consumes: the first result's coordinates and
// canonical name.
type geocodeResponse struct {
	Results []struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"results"`
}

func buildGeocodeRequest(cfg Config, normalizedName string) (path string, req []byte) {
	path = fmt.Sprintf("/v1/search?name=%s&count=1&language=en&format=json", url.QueryEscape(normalizedName))
	req = buildGETRequest(cfg.GeocodeHost, path, cfg.UserAgent)
	return path, req
}

// geocodeResult is what parseGeocodeBody hands back on success.
type geocodeResult struct {
	Lat       float64
	Lon       float64
	Canonical string
}

// parseGeocodeBody extracts the first result, rounds coordinates to
// four decimals, and rejects (0,0) as "not found".
func parseGeocodeBody(body []byte) (geocodeResult, fetcherr.Kind) {
	var resp geocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return geocodeResult{}, fetcherr.UpstreamParseFailed
	}
	if len(resp.Results) == 0 {
		return geocodeResult{}, fetcherr.CityNotFound
	}
	r := resp.Results[0]
	lat, lon := round4(r.Latitude), round4(r.Longitude)
	if isZeroZero(lat, lon) {
		return geocodeResult{}, fetcherr.CityNotFound
	}
	return geocodeResult{Lat: lat, Lon: lon, Canonical: r.Name}, fetcherr.None
}

func isZeroZero(lat, lon float64) bool {
	const eps = 1e-9
	return math.Abs(lat) < eps && math.Abs(lon) < eps
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
