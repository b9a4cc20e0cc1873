package ambulance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/domain/alert"
	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/domain/hospital"
	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/metrics"
	"github.com/prealert/prealert/internal/platform/realtime"
	"github.com/prealert/prealert/internal/platform/routing"
)

// DefaultRecalcInterval bounds how often an ambulance's route is
// recomputed while it moves.
const DefaultRecalcInterval = 5 * time.Second

// AlertRouter is the part of the alert service the ambulance needs.
type AlertRouter interface {
	ActiveForAmbulance(ctx context.Context, ambulanceID string) (*alert.Alert, error)
	UpdateRoute(ctx context.Context, id uuid.UUID, distanceKm float64, etaMinutes int) (*alert.Alert, error)
}

type HospitalLookup interface {
	Get(ctx context.Context, id string) (*hospital.Hospital, error)
}

// Service tracks ambulance positions and keeps the distance and ETA of the
// ambulance's open alert current.
type Service struct {
	repo      Repository
	alerts    AlertRouter
	hospitals HospitalLookup
	routes    routing.Estimator
	broker    realtime.Broker
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	interval  time.Duration
	mu        sync.Mutex
	throttles map[string]*Throttle
	stopped   bool
}

func NewService(repo Repository, alerts AlertRouter, hospitals HospitalLookup, routes routing.Estimator, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		alerts:    alerts,
		hospitals: hospitals,
		routes:    routes,
		logger:    logger.With().Str("component", "ambulance").Logger(),
		interval:  DefaultRecalcInterval,
		throttles: make(map[string]*Throttle),
	}
}

func (s *Service) SetBroker(b realtime.Broker)       { s.broker = b }
func (s *Service) SetMetrics(m *metrics.Metrics)     { s.metrics = m }
func (s *Service) SetRecalcInterval(d time.Duration) { s.interval = d }

// Get returns the ambulance with its open alert, if any.
func (s *Service) Get(ctx context.Context, id string) (*Ambulance, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	active, err := s.alerts.ActiveForAmbulance(ctx, id)
	switch {
	case err == nil:
		a.ActiveAlertID = &active.ID
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return a, nil
}

// UpdateLocation stores a new position reported by the ambulance, pushes it
// to followers and schedules a throttled route recalculation.
func (s *Service) UpdateLocation(ctx context.Context, id string, loc geo.Coordinates) (*Ambulance, error) {
	id = strings.TrimSpace(id)
	if err := auth.CanActForAmbulance(ctx, id); err != nil {
		return nil, err
	}
	if !loc.Valid() {
		return nil, fmt.Errorf("%w: invalid location", apperr.ErrInvalidArgument)
	}
	a, err := s.repo.UpdateLocation(ctx, id, loc)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, a)
	s.scheduleRecalc(id, func() { s.recalculate(id, loc) })
	return a, nil
}

// scheduleRecalc triggers the ambulance's throttle, creating it on first
// use. Throttles that went idle are dropped when a new one is added, so the
// map only holds ambulances that moved within the last interval.
func (s *Service) scheduleRecalc(id string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	t, ok := s.throttles[id]
	if !ok {
		now := time.Now()
		for other, ot := range s.throttles {
			if ot.Idle(now) {
				delete(s.throttles, other)
			}
		}
		t = NewThrottle(s.interval)
		s.throttles[id] = t
	}
	t.Trigger(fn)
}

// recalculate runs off the request path, so it uses its own deadline.
func (s *Service) recalculate(ambulanceID string, loc geo.Coordinates) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active, err := s.alerts.ActiveForAmbulance(ctx, ambulanceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", ambulanceID).Msg("load active alert failed")
		return
	}
	h, err := s.hospitals.Get(ctx, active.HospitalID)
	if err != nil {
		s.logger.Warn().Err(err).Str("hospital_id", active.HospitalID).Msg("load destination failed")
		return
	}
	route := s.routes.Estimate(ctx, loc, h.Location)
	eta := route.ETAMinutes()
	if route.Fallback {
		eta = geo.EstimateETA(route.DistanceMeters / 1000)
	}
	if _, err := s.alerts.UpdateRoute(ctx, active.ID, route.DistanceKm(), eta); err != nil {
		s.logger.Warn().Err(err).Str("alert_id", active.ID.String()).Msg("update route failed")
		return
	}
	s.logger.Debug().
		Str("ambulance_id", ambulanceID).
		Str("alert_id", active.ID.String()).
		Float64("distance_km", route.DistanceKm()).
		Int("eta_minutes", eta).
		Bool("fallback", route.Fallback).
		Msg("route recalculated")
}

func (s *Service) publish(ctx context.Context, a *Ambulance) {
	if s.broker == nil {
		return
	}
	ev, err := realtime.NewEvent(realtime.TableAmbulances, realtime.EventUpdate,
		map[string]string{"id": a.ID}, a)
	if err == nil {
		err = s.broker.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", a.ID).Msg("publish location failed")
		return
	}
	s.metrics.EventPublished(realtime.TableAmbulances)
}

// Route estimates the drive between two points, falling back to a
// straight-line estimate when the routing service is unavailable.
func (s *Service) Route(ctx context.Context, from, to geo.Coordinates) (routing.Route, error) {
	if !from.Valid() || !to.Valid() {
		return routing.Route{}, fmt.Errorf("%w: invalid coordinates", apperr.ErrInvalidArgument)
	}
	return s.routes.Estimate(ctx, from, to), nil
}

// Stop cancels pending recalculations and waits for running ones.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, t := range s.throttles {
		t.Stop()
	}
}
