package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/domain/hospital"
	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/metrics"
	"github.com/prealert/prealert/internal/platform/realtime"
)

// HospitalLookup resolves hospital ids. *hospital.Service satisfies it.
type HospitalLookup interface {
	Get(ctx context.Context, id string) (*hospital.Hospital, error)
}

// Service owns alert creation and the status lifecycle. Every mutation is
// authorized against the principal in the context, validated against the
// current state, appended to the audit log and published on the alerts
// channel.
type Service struct {
	repo      Repository
	hospitals HospitalLookup
	broker    realtime.Broker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, hospitals HospitalLookup, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		hospitals: hospitals,
		logger:    logger.With().Str("component", "alert").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetBroker attaches the realtime broker alert changes are published on.
func (s *Service) SetBroker(b realtime.Broker) { s.broker = b }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// CreateAlert sends a pre-alert from an ambulance to a hospital. The alert
// starts pending with a single audit entry.
func (s *Service) CreateAlert(ctx context.Context, req CreateRequest) (*Alert, *hospital.Hospital, error) {
	req.AmbulanceID = strings.TrimSpace(req.AmbulanceID)
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	if req.AmbulanceID == "" {
		return nil, nil, fmt.Errorf("%w: ambulance_id is required", apperr.ErrInvalidArgument)
	}
	if err := auth.CanActForAmbulance(ctx, req.AmbulanceID); err != nil {
		return nil, nil, err
	}
	if req.HospitalID == "" {
		return nil, nil, fmt.Errorf("%w: hospital_id is required", apperr.ErrInvalidArgument)
	}
	if err := req.Patient.Validate(); err != nil {
		return nil, nil, err
	}
	if req.DistanceKm != nil && (*req.DistanceKm < 0 || math.IsNaN(*req.DistanceKm) || math.IsInf(*req.DistanceKm, 0)) {
		return nil, nil, fmt.Errorf("%w: distance_km must be a non-negative number", apperr.ErrInvalidArgument)
	}
	if req.ETAMinutes != nil && *req.ETAMinutes < 0 {
		return nil, nil, fmt.Errorf("%w: eta_minutes cannot be negative", apperr.ErrInvalidArgument)
	}

	h, err := s.hospitals.Get(ctx, req.HospitalID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	a := &Alert{
		ID:                  uuid.New(),
		Patient:             req.Patient,
		AmbulanceID:         req.AmbulanceID,
		HospitalID:          h.ID,
		DistanceKm:          req.DistanceKm,
		ETAMinutes:          req.ETAMinutes,
		Status:              StatusPending,
		CreatedAt:           now,
		RequiredEquipment:   cleanList(req.RequiredEquipment),
		PreviousHospitalIDs: []string{},
	}
	if a.Patient.ID == "" {
		a.Patient.ID = uuid.NewString()
	}
	if a.DistanceKm != nil {
		d := geo.RoundKm(*a.DistanceKm)
		a.DistanceKm = &d
		if a.ETAMinutes == nil {
			eta := geo.EstimateETA(*req.DistanceKm)
			a.ETAMinutes = &eta
		}
	}
	a.AuditLog = []AuditEntry{s.entry(ctx, ActionCreated,
		fmt.Sprintf("Pre-alert sent to %s (triage %s)", h.Name, a.Patient.Triage), nil)}

	if err := s.repo.Create(ctx, a); err != nil {
		return nil, nil, fmt.Errorf("create alert: %w", err)
	}

	s.metrics.AlertCreated(string(a.Patient.Triage))
	s.publish(ctx, realtime.EventInsert, a)
	s.logger.Info().
		Str("alert_id", a.ID.String()).
		Str("ambulance_id", a.AmbulanceID).
		Str("hospital_id", a.HospitalID).
		Str("triage", string(a.Patient.Triage)).
		Msg("pre-alert created")
	return a, h, nil
}

// UpdateStatus moves an alert to acknowledged, accepted or declined on
// behalf of its hospital. Declines need a reason. Terminal alerts and
// transitions outside the lifecycle graph are rejected.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string) (*Alert, error) {
	if _, ok := statusActions[status]; !ok {
		return nil, fmt.Errorf("%w: status must be acknowledged, accepted or declined", apperr.ErrInvalidArgument)
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.CanActForHospital(ctx, a.HospitalID); err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: alert is already %s", apperr.ErrInvalidArgument, a.Status)
	}
	if !CanTransition(a.Status, status) {
		return nil, fmt.Errorf("%w: cannot move alert from %s to %s", apperr.ErrInvalidArgument, a.Status, status)
	}
	reason = strings.TrimSpace(reason)
	if status == StatusDeclined && reason == "" {
		return nil, fmt.Errorf("%w: a reason is required to decline", apperr.ErrInvalidArgument)
	}

	next := a.Clone()
	next.Status = status
	details := fmt.Sprintf("Status changed from %s to %s", a.Status, status)
	var concerns *string
	if status == StatusDeclined {
		next.DeclineReason = &reason
		details += ": " + reason
		hid := a.HospitalID
		concerns = &hid
	}
	if err := s.commit(ctx, a, next, s.entry(ctx, statusActions[status], details, concerns)); err != nil {
		return nil, err
	}
	return next, nil
}

// CompleteCase records the patient hand-over. The alert's ambulance or
// hospital may complete it from any non-terminal status.
func (s *Service) CompleteCase(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.CanActForAmbulance(ctx, a.AmbulanceID); err != nil {
		if err := auth.CanActForHospital(ctx, a.HospitalID); err != nil {
			return nil, err
		}
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: alert is already %s", apperr.ErrInvalidArgument, a.Status)
	}

	next := a.Clone()
	now := s.now()
	next.Status = StatusCompleted
	next.CompletedAt = &now
	if err := s.commit(ctx, a, next, s.entry(ctx, ActionCompleted, "Patient handed over to "+a.HospitalID, nil)); err != nil {
		return nil, err
	}
	return next, nil
}

// ChangeHospital reassigns the alert to another hospital. The previous
// hospital is kept in PreviousHospitalIDs and the alert starts over as
// pending for the new hospital.
func (s *Service) ChangeHospital(ctx context.Context, id uuid.UUID, hospitalID, reason string) (*Alert, error) {
	hospitalID = strings.TrimSpace(hospitalID)
	reason = strings.TrimSpace(reason)

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.CanActForAmbulance(ctx, a.AmbulanceID); err != nil {
		return nil, err
	}
	if a.Status == StatusCompleted {
		return nil, fmt.Errorf("%w: alert is already completed", apperr.ErrInvalidArgument)
	}
	if hospitalID == "" {
		return nil, fmt.Errorf("%w: hospital_id is required", apperr.ErrInvalidArgument)
	}
	if hospitalID == a.HospitalID {
		return nil, fmt.Errorf("%w: alert is already assigned to %s", apperr.ErrInvalidArgument, hospitalID)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: a reason is required to change hospital", apperr.ErrInvalidArgument)
	}
	h, err := s.hospitals.Get(ctx, hospitalID)
	if err != nil {
		return nil, err
	}

	next := a.Clone()
	next.PreviousHospitalIDs = append(next.PreviousHospitalIDs, a.HospitalID)
	next.HospitalID = h.ID
	next.Status = StatusPending
	next.DeclineReason = nil
	details := fmt.Sprintf("Hospital changed from %s to %s: %s", a.HospitalID, h.ID, reason)
	if err := s.commit(ctx, a, next, s.entry(ctx, ActionHospitalChanged, details, nil)); err != nil {
		return nil, err
	}
	s.metrics.HospitalChanged()

	// Let the previous hospital's feed see the alert leave.
	s.publishTo(ctx, realtime.EventUpdate, next, a.HospitalID)
	return next, nil
}

// MarkHospitalUnavailable logs that a hospital cannot take this patient.
// Status and assignment are unchanged and repeated calls append repeated
// entries.
func (s *Service) MarkHospitalUnavailable(ctx context.Context, id uuid.UUID, hospitalID, reason string) (*Alert, error) {
	hospitalID = strings.TrimSpace(hospitalID)
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.CanActForAmbulance(ctx, a.AmbulanceID); err != nil {
		return nil, err
	}
	if hospitalID == "" {
		return nil, fmt.Errorf("%w: hospital_id is required", apperr.ErrInvalidArgument)
	}
	if a.Status == StatusCompleted {
		return nil, fmt.Errorf("%w: alert is already completed", apperr.ErrInvalidArgument)
	}

	details := hospitalID + " marked unavailable"
	if r := strings.TrimSpace(reason); r != "" {
		details += ": " + r
	}
	// Only the audit row is written, so a concurrent reassignment is never
	// overwritten by this snapshot.
	entry := s.entry(ctx, ActionUnavailable, details, &hospitalID)
	if err := s.repo.AppendEntry(ctx, a.ID, entry); err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidArgument) {
			return nil, err
		}
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	next, err := s.repo.GetByID(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.EventUpdate, next)
	s.logger.Info().
		Str("alert_id", next.ID.String()).
		Str("action", entry.Action).
		Str("actor", entry.Actor).
		Str("hospital_id", hospitalID).
		Msg("hospital marked unavailable")
	return next, nil
}

// commit appends entry to next and persists it, provided the stored alert
// is still at the version prev was read at.
func (s *Service) commit(ctx context.Context, prev, next *Alert, entry AuditEntry) error {
	next.AuditLog = append(next.AuditLog, entry)
	if err := s.repo.Transition(ctx, next, prev.Version, entry); err != nil {
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update alert: %w", err)
	}
	if next.Status != prev.Status {
		s.metrics.AlertTransition(string(next.Status))
	}
	s.publish(ctx, realtime.EventUpdate, next)
	s.logger.Info().
		Str("alert_id", next.ID.String()).
		Str("action", entry.Action).
		Str("actor", entry.Actor).
		Str("status", string(next.Status)).
		Msg("alert updated")
	return nil
}

func (s *Service) entry(ctx context.Context, action, details string, hospitalID *string) AuditEntry {
	return AuditEntry{
		ID:         uuid.New(),
		Timestamp:  s.now(),
		Action:     action,
		Actor:      actor(ctx),
		Details:    details,
		HospitalID: hospitalID,
	}
}

func actor(ctx context.Context) string {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return "system"
	}
	if l := p.Linked(); l != "" {
		return string(p.Role) + ":" + l
	}
	return string(p.Role) + ":" + p.UserID
}

func (s *Service) publish(ctx context.Context, typ realtime.EventType, a *Alert) {
	s.publishTo(ctx, typ, a, a.HospitalID)
}

// publishTo emits a change event routed to hospitalID's feed and the
// alert's ambulance feed. Publish failures are logged; the change itself is
// already stored.
func (s *Service) publishTo(ctx context.Context, typ realtime.EventType, a *Alert, hospitalID string) {
	if s.broker == nil {
		return
	}
	ev, err := realtime.NewEvent(realtime.TableAlerts, typ, map[string]string{
		"id":           a.ID.String(),
		"hospital_id":  hospitalID,
		"ambulance_id": a.AmbulanceID,
	}, a)
	if err == nil {
		err = s.broker.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("publish alert event failed")
		return
	}
	s.metrics.EventPublished(realtime.TableAlerts)
}

// Get returns an alert to admins and to the ambulance or hospital it
// belongs to.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canView(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func canView(ctx context.Context, a *Alert) error {
	if err := auth.CanActForAmbulance(ctx, a.AmbulanceID); err == nil {
		return nil
	}
	if err := auth.CanActForHospital(ctx, a.HospitalID); err == nil {
		return nil
	}
	// A hospital that was previously assigned may still read the record.
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.Role == auth.RoleHospital {
		for _, id := range a.PreviousHospitalIDs {
			if id == p.Linked() {
				return nil
			}
		}
	}
	return auth.CanActForHospital(ctx, a.HospitalID)
}

// List returns every alert, newest first. Admin only.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Alert, int, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, 0, fmt.Errorf("%w: no authenticated user", apperr.ErrUnauthorized)
	}
	if p.Role != auth.RoleAdmin {
		return nil, 0, fmt.Errorf("%w: listing all alerts requires admin", apperr.ErrForbidden)
	}
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListForHospital(ctx context.Context, hospitalID string, limit, offset int) ([]*Alert, int, error) {
	if err := auth.CanActForHospital(ctx, hospitalID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByHospital(ctx, hospitalID, limit, offset)
}

func (s *Service) ListForAmbulance(ctx context.Context, ambulanceID string, limit, offset int) ([]*Alert, int, error) {
	if err := auth.CanActForAmbulance(ctx, ambulanceID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByAmbulance(ctx, ambulanceID, limit, offset)
}

// ActiveForAmbulance returns the newest open alert of an ambulance.
func (s *Service) ActiveForAmbulance(ctx context.Context, ambulanceID string) (*Alert, error) {
	return s.repo.ActiveForAmbulance(ctx, ambulanceID)
}

// HasOpenAlertTo reports whether the ambulance's open alert is headed for
// hospitalID.
func (s *Service) HasOpenAlertTo(ctx context.Context, ambulanceID, hospitalID string) (bool, error) {
	a, err := s.repo.ActiveForAmbulance(ctx, ambulanceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.HospitalID == hospitalID, nil
}

// UnavailableHospitals lists, in first-seen order, the hospitals that
// declined or were reported unavailable for the alert. Hospitals the crew
// merely switched away from stay eligible.
func (s *Service) UnavailableHospitals(ctx context.Context, alertID uuid.UUID) ([]string, error) {
	a, err := s.repo.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range a.AuditLog {
		if e.HospitalID != nil && (e.Action == ActionDeclined || e.Action == ActionUnavailable) {
			add(*e.HospitalID)
		}
	}
	return out, nil
}

// UpdateRoute refreshes the alert's distance and ETA from a new ambulance
// position. It is not a lifecycle transition and writes no audit entry.
func (s *Service) UpdateRoute(ctx context.Context, id uuid.UUID, distanceKm float64, etaMinutes int) (*Alert, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || etaMinutes < 0 {
		return nil, fmt.Errorf("%w: distance and eta must be non-negative", apperr.ErrInvalidArgument)
	}
	if err := s.repo.UpdateRoute(ctx, id, geo.RoundKm(distanceKm), etaMinutes); err != nil {
		return nil, err
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.EventUpdate, a)
	return a, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
