// Package routing obtains road-network distance and travel time from an
// OSRM-compatible routing service, falling back to the straight-line
// estimate whenever the service cannot answer.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/metrics"
)

// Route is a routed (or fallback) estimate between two points. Coordinates
// are ordered [lng, lat] pairs as returned by GeoJSON geometries.
type Route struct {
	DistanceMeters  float64      `json:"distance_meters"`
	DurationSeconds float64      `json:"duration_seconds"`
	Coordinates     [][2]float64 `json:"coordinates"`
	Fallback        bool         `json:"fallback"`
}

// DistanceKm returns the route distance rounded for display.
func (r Route) DistanceKm() float64 {
	return geo.RoundKm(r.DistanceMeters / 1000)
}

// ETAMinutes returns the travel time in whole minutes, rounded up.
func (r Route) ETAMinutes() int {
	if r.DurationSeconds <= 0 || math.IsNaN(r.DurationSeconds) || math.IsInf(r.DurationSeconds, 0) {
		return 0
	}
	return int(math.Ceil(r.DurationSeconds / 60))
}

// Config holds routing client settings.
type Config struct {
	BaseURL  string
	Profile  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Estimator is satisfied by Client; consumers depend on it so tests can
// substitute a fixed route.
type Estimator interface {
	Estimate(ctx context.Context, from, to geo.Coordinates) Route
}

// Client calls the routing service. It never returns an error to callers.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *gocache.Cache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a routing client. A zero Timeout defaults to 10s and a
// zero CacheTTL to 2 minutes.
func NewClient(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.Profile == "" {
		cfg.Profile = "driving"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  logger,
		metrics: m,
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Estimate returns the routed estimate from one point to another, or the
// straight-line fallback on any failure.
func (c *Client) Estimate(ctx context.Context, from, to geo.Coordinates) Route {
	if c.cfg.BaseURL == "" {
		return c.fallback(from, to, "disabled", nil)
	}

	key := cacheKey(from, to)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(Route)
	}

	route, cause, err := c.fetch(ctx, from, to)
	if err != nil {
		return c.fallback(from, to, cause, err)
	}
	c.cache.Set(key, route, gocache.DefaultExpiration)
	return route
}

func (c *Client) fetch(ctx context.Context, from, to geo.Coordinates) (Route, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/route/v1/%s/%f,%f;%f,%f?overview=full&geometries=geojson",
		c.cfg.BaseURL, c.cfg.Profile, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, "request", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Route{}, "timeout", err
		}
		return Route{}, "request", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return Route{}, "http_status", fmt.Errorf("routing service returned status %d", resp.StatusCode)
	}

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Route{}, "timeout", err
		}
		return Route{}, "decode", fmt.Errorf("decode routing response: %w", err)
	}
	if body.Code != "" && body.Code != "Ok" {
		return Route{}, "no_route", fmt.Errorf("routing service code %q", body.Code)
	}
	if len(body.Routes) == 0 {
		return Route{}, "no_route", fmt.Errorf("routing service returned no routes")
	}

	r := body.Routes[0]
	if r.Distance < 0 || r.Duration < 0 || math.IsNaN(r.Distance) || math.IsNaN(r.Duration) {
		return Route{}, "decode", fmt.Errorf("routing service returned negative distance or duration")
	}
	coords := r.Geometry.Coordinates
	if len(coords) < 2 {
		coords = endpoints(from, to)
	}
	return Route{
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		Coordinates:     coords,
	}, "", nil
}

func (c *Client) fallback(from, to geo.Coordinates, cause string, err error) Route {
	if cause != "disabled" {
		c.logger.Warn().
			Err(fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)).
			Str("cause", cause).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("routing unavailable, using straight-line estimate")
	}
	c.metrics.RoutingFallback(cause)
	return StraightLine(from, to)
}

// StraightLine is the fallback route: haversine distance, the conservative
// per-km pace for duration, and the two endpoints as geometry.
func StraightLine(from, to geo.Coordinates) Route {
	km := geo.Haversine(from, to)
	if math.IsNaN(km) || math.IsInf(km, 0) {
		km = 0
	}
	return Route{
		DistanceMeters:  km * 1000,
		DurationSeconds: geo.FallbackDurationSeconds(km),
		Coordinates:     endpoints(from, to),
		Fallback:        true,
	}
}

func endpoints(from, to geo.Coordinates) [][2]float64 {
	return [][2]float64{{from.Lng, from.Lat}, {to.Lng, to.Lat}}
}

// cacheKey rounds to ~10 m so jitter in GPS fixes still hits the cache.
func cacheKey(from, to geo.Coordinates) string {
	return fmt.Sprintf("%.4f,%.4f;%.4f,%.4f", from.Lat, from.Lng, to.Lat, to.Lng)
}
