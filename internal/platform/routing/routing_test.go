package routing

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/platform/metrics"
)

var (
	origin = geo.Coordinates{Lat: 28.6139, Lng: 77.2090}
	dest   = geo.Coordinates{Lat: 28.5355, Lng: 77.3910}
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, Timeout: timeout}, zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	return c, &hits
}

func assertFallback(t *testing.T, r Route) {
	t.Helper()
	want := StraightLine(origin, dest)
	if !r.Fallback {
		t.Error("expected fallback route")
	}
	if math.Abs(r.DistanceMeters-want.DistanceMeters) > 1e-6 {
		t.Errorf("distance = %f, want %f", r.DistanceMeters, want.DistanceMeters)
	}
	if math.Abs(r.DurationSeconds-want.DurationSeconds) > 1e-6 {
		t.Errorf("duration = %f, want %f", r.DurationSeconds, want.DurationSeconds)
	}
	if len(r.Coordinates) < 2 {
		t.Fatalf("expected at least both endpoints, got %v", r.Coordinates)
	}
	first, last := r.Coordinates[0], r.Coordinates[len(r.Coordinates)-1]
	if first != [2]float64{origin.Lng, origin.Lat} || last != [2]float64{dest.Lng, dest.Lat} {
		t.Errorf("endpoints = %v .. %v", first, last)
	}
}

func TestEstimate_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.209000,28.613900;77.391000,28.535500") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":21450.5,"duration":1800,
			"geometry":{"type":"LineString","coordinates":[[77.209,28.6139],[77.3,28.57],[77.391,28.5355]]}}]}`))
	}, time.Second)

	r := c.Estimate(context.Background(), origin, dest)
	if r.Fallback {
		t.Fatal("did not expect fallback")
	}
	if r.DistanceMeters != 21450.5 || r.DurationSeconds != 1800 {
		t.Errorf("got distance=%f duration=%f", r.DistanceMeters, r.DurationSeconds)
	}
	if len(r.Coordinates) != 3 {
		t.Errorf("expected 3 coordinates, got %d", len(r.Coordinates))
	}
	if r.DistanceKm() != 21.5 {
		t.Errorf("DistanceKm() = %v", r.DistanceKm())
	}
	if r.ETAMinutes() != 30 {
		t.Errorf("ETAMinutes() = %d", r.ETAMinutes())
	}
}

func TestEstimate_HTTP500FallsBack(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, time.Second)

	assertFallback(t, c.Estimate(context.Background(), origin, dest))
}

func TestEstimate_MalformedJSONFallsBack(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"routes": [`))
	}, time.Second)

	assertFallback(t, c.Estimate(context.Background(), origin, dest))
}

func TestEstimate_NoRoutesFallsBack(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}, time.Second)

	assertFallback(t, c.Estimate(context.Background(), origin, dest))
}

func TestEstimate_TimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	r := c.Estimate(context.Background(), origin, dest)
	if time.Since(start) > 2*time.Second {
		t.Errorf("estimate did not honour the bounded wait")
	}
	assertFallback(t, r)
}

func TestEstimate_UnreachableFallsBack(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, zerolog.Nop(), nil)
	assertFallback(t, c.Estimate(context.Background(), origin, dest))
}

func TestEstimate_DisabledUsesStraightLine(t *testing.T) {
	c := NewClient(Config{}, zerolog.Nop(), nil)
	assertFallback(t, c.Estimate(context.Background(), origin, dest))
}

func TestEstimate_CachesSuccessfulRoutes(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":1000,"duration":120,"geometry":{"coordinates":[]}}]}`))
	}, time.Second)

	first := c.Estimate(context.Background(), origin, dest)
	second := c.Estimate(context.Background(), origin, dest)
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("expected 1 upstream call, got %d", atomic.LoadInt32(hits))
	}
	if first.DistanceMeters != second.DistanceMeters {
		t.Error("cached route differs")
	}
	if len(first.Coordinates) != 2 {
		t.Errorf("empty geometry should be replaced by endpoints, got %v", first.Coordinates)
	}
}

func TestEstimate_FallbackIsNotCached(t *testing.T) {
	var fail int32 = 1
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":1000,"duration":120,"geometry":{"coordinates":[[77.209,28.6139],[77.391,28.5355]]}}]}`))
	}, time.Second)

	if r := c.Estimate(context.Background(), origin, dest); !r.Fallback {
		t.Fatal("expected first call to fall back")
	}
	atomic.StoreInt32(&fail, 0)
	if r := c.Estimate(context.Background(), origin, dest); r.Fallback {
		t.Error("expected retry to reach the routing service")
	}
	if atomic.LoadInt32(hits) != 2 {
		t.Errorf("expected 2 upstream calls, got %d", atomic.LoadInt32(hits))
	}
}

func TestStraightLine_SamePoint(t *testing.T) {
	r := StraightLine(origin, origin)
	if r.DistanceMeters != 0 || r.DurationSeconds != 0 || r.ETAMinutes() != 0 {
		t.Errorf("expected zero route, got %+v", r)
	}
}
