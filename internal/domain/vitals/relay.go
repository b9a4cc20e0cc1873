package vitals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/metrics"
	"github.com/prealert/prealert/internal/platform/realtime"
)

// Relay carries an ambulance's live SpO2 and heart rate to the hospital
// screens following it.
type Relay struct {
	repo    Repository
	broker  realtime.Broker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewRelay(repo Repository, broker realtime.Broker, logger zerolog.Logger) *Relay {
	return &Relay{
		repo:   repo,
		broker: broker,
		logger: logger.With().Str("component", "vitals").Logger(),
	}
}

func (r *Relay) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Current returns the latest readings, or the defaults when the ambulance
// has not reported yet.
func (r *Relay) Current(ctx context.Context, ambulanceID string) (LiveVitals, error) {
	v, err := r.repo.Get(ctx, ambulanceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Default(ambulanceID), nil
	}
	if err != nil {
		return LiveVitals{}, fmt.Errorf("read live vitals: %w", err)
	}
	return *v, nil
}

// Subscribe delivers the current readings of ambulanceID to onUpdate, then
// every later change, until the returned subscription is closed. reg
// refuses a second subscription to the same ambulance.
func (r *Relay) Subscribe(ctx context.Context, reg *realtime.Registry, ambulanceID string, onUpdate func(spo2, heartRate int)) (*realtime.Subscription, error) {
	ambulanceID = strings.TrimSpace(ambulanceID)
	if ambulanceID == "" {
		return nil, fmt.Errorf("%w: ambulance_id is required", apperr.ErrInvalidArgument)
	}

	// Pushes that arrive before the point read are kept; an older reading
	// never replaces a newer one.
	var (
		mu      sync.Mutex
		applied bool
		last    LiveVitals
	)
	apply := func(v LiveVitals) {
		mu.Lock()
		defer mu.Unlock()
		if applied && v.UpdatedAt.Before(last.UpdatedAt) {
			return
		}
		applied = true
		last = v
		onUpdate(v.SpO2, v.HeartRate)
	}

	f := realtime.Filter{Table: realtime.TableLiveVitals, Column: "ambulance_id", Value: ambulanceID}
	sub, err := reg.Subscribe(f, func(ev realtime.Event) {
		var v LiveVitals
		if err := json.Unmarshal(ev.Payload, &v); err != nil {
			r.logger.Warn().Err(err).Str("ambulance_id", ambulanceID).Msg("malformed live vitals event")
			return
		}
		apply(v)
	})
	if err != nil {
		return nil, err
	}

	cur, err := r.Current(ctx, ambulanceID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.Run(func() { apply(cur) })
	return sub, nil
}

// Publish stores new readings from the ambulance and pushes them to
// subscribers.
func (r *Relay) Publish(ctx context.Context, v LiveVitals) (*LiveVitals, error) {
	v.AmbulanceID = strings.TrimSpace(v.AmbulanceID)
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if err := auth.CanActForAmbulance(ctx, v.AmbulanceID); err != nil {
		return nil, err
	}
	if err := r.repo.Upsert(ctx, &v); err != nil {
		return nil, fmt.Errorf("store live vitals: %w", err)
	}

	ev, err := realtime.NewEvent(realtime.TableLiveVitals, realtime.EventUpdate,
		map[string]string{"ambulance_id": v.AmbulanceID}, v)
	if err == nil && r.broker != nil {
		err = r.broker.Publish(ctx, ev)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("ambulance_id", v.AmbulanceID).Msg("publish live vitals failed")
	} else {
		r.metrics.EventPublished(realtime.TableLiveVitals)
	}
	return &v, nil
}

// Snapshot implements the websocket hub's initial-state hook for the
// live_vitals table.
func (r *Relay) Snapshot(ctx context.Context, f realtime.Filter) (json.RawMessage, error) {
	if f.Column != "ambulance_id" {
		return nil, nil
	}
	v, err := r.Current(ctx, f.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
