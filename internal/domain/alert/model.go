package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prealert/prealert/internal/platform/apperr"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusAccepted     Status = "accepted"
	StatusDeclined     Status = "declined"
	StatusCompleted    Status = "completed"
)

// Terminal reports whether no status transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAcknowledged, StatusAccepted, StatusDeclined, StatusCompleted:
		return true
	}
	return false
}

// transitions lists the targets reachable through UpdateStatus.
// Completion and hospital reassignment have their own operations.
var transitions = map[Status][]Status{
	StatusPending:      {StatusAcknowledged, StatusAccepted, StatusDeclined},
	StatusAcknowledged: {StatusAccepted, StatusDeclined},
}

// CanTransition reports whether UpdateStatus may move an alert from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TriageLevel string

const (
	TriageCritical TriageLevel = "critical"
	TriageUrgent   TriageLevel = "urgent"
	TriageStable   TriageLevel = "stable"
)

func (t TriageLevel) Valid() bool {
	return t == TriageCritical || t == TriageUrgent || t == TriageStable
}

// Vitals is the snapshot taken when the alert is sent. It is not updated
// afterwards; live readings come from the vitals relay.
type Vitals struct {
	SpO2            int     `json:"spo2"`
	HeartRate       int     `json:"heart_rate"`
	SystolicBP      int     `json:"systolic_bp"`
	DiastolicBP     int     `json:"diastolic_bp"`
	Temperature     float64 `json:"temperature"`
	GCS             int     `json:"gcs"`
	RespiratoryRate *int    `json:"respiratory_rate,omitempty"`
}

type Patient struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Age            int         `json:"age"`
	Gender         string      `json:"gender"`
	Contact        string      `json:"contact"`
	Vitals         Vitals      `json:"vitals"`
	ChiefComplaint string      `json:"chief_complaint"`
	Triage         TriageLevel `json:"triage"`
}

// Validate checks the fields a hospital needs to prepare for the patient.
func (p Patient) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: patient name is required", apperr.ErrInvalidArgument)
	}
	if strings.TrimSpace(p.ChiefComplaint) == "" {
		return fmt.Errorf("%w: chief complaint is required", apperr.ErrInvalidArgument)
	}
	if !p.Triage.Valid() {
		return fmt.Errorf("%w: triage must be critical, urgent or stable", apperr.ErrInvalidArgument)
	}
	if p.Age < 0 || p.Age > 150 {
		return fmt.Errorf("%w: age out of range", apperr.ErrInvalidArgument)
	}
	v := p.Vitals
	if v.GCS < 3 || v.GCS > 15 {
		return fmt.Errorf("%w: gcs must be between 3 and 15", apperr.ErrInvalidArgument)
	}
	if v.SpO2 < 0 || v.SpO2 > 100 {
		return fmt.Errorf("%w: spo2 must be between 0 and 100", apperr.ErrInvalidArgument)
	}
	if v.HeartRate < 0 || v.SystolicBP < 0 || v.DiastolicBP < 0 {
		return fmt.Errorf("%w: vitals cannot be negative", apperr.ErrInvalidArgument)
	}
	if v.RespiratoryRate != nil && *v.RespiratoryRate < 0 {
		return fmt.Errorf("%w: respiratory rate cannot be negative", apperr.ErrInvalidArgument)
	}
	return nil
}

// AuditEntry is one immutable line of an alert's history. HospitalID is set
// on entries that concern a specific hospital (declines and unavailability
// reports) and drives per-alert exclusion in hospital ranking.
type AuditEntry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Timestamp  time.Time `db:"created_at" json:"timestamp"`
	Action     string    `db:"action" json:"action"`
	Actor      string    `db:"actor" json:"actor"`
	Details    string    `db:"details" json:"details"`
	HospitalID *string   `db:"hospital_id" json:"hospital_id,omitempty"`
}

// Alert maps to the alerts table; AuditLog is loaded from alert_audit_log
// in insertion order.
type Alert struct {
	ID                  uuid.UUID    `db:"id" json:"id"`
	Patient             Patient      `db:"patient" json:"patient"`
	AmbulanceID         string       `db:"ambulance_id" json:"ambulance_id"`
	HospitalID          string       `db:"hospital_id" json:"hospital_id"`
	DistanceKm          *float64     `db:"distance_km" json:"distance_km,omitempty"`
	ETAMinutes          *int         `db:"eta_minutes" json:"eta_minutes,omitempty"`
	Status              Status       `db:"status" json:"status"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
	CompletedAt         *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	RequiredEquipment   []string     `db:"required_equipment" json:"required_equipment"`
	DeclineReason       *string      `db:"decline_reason" json:"decline_reason,omitempty"`
	PreviousHospitalIDs []string     `db:"previous_hospital_ids" json:"previous_hospital_ids"`
	AuditLog            []AuditEntry `db:"-" json:"audit_log"`
	Version             int          `db:"version" json:"version"`
}

// Clone returns a deep copy so a failed mutation never touches the
// original.
func (a *Alert) Clone() *Alert {
	c := *a
	c.RequiredEquipment = append([]string(nil), a.RequiredEquipment...)
	c.PreviousHospitalIDs = append([]string(nil), a.PreviousHospitalIDs...)
	c.AuditLog = append([]AuditEntry(nil), a.AuditLog...)
	if a.Patient.Vitals.RespiratoryRate != nil {
		rr := *a.Patient.Vitals.RespiratoryRate
		c.Patient.Vitals.RespiratoryRate = &rr
	}
	if a.DistanceKm != nil {
		d := *a.DistanceKm
		c.DistanceKm = &d
	}
	if a.ETAMinutes != nil {
		e := *a.ETAMinutes
		c.ETAMinutes = &e
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	if a.DeclineReason != nil {
		r := *a.DeclineReason
		c.DeclineReason = &r
	}
	return &c
}

// LastEntry returns the most recent audit entry.
func (a *Alert) LastEntry() (AuditEntry, bool) {
	if len(a.AuditLog) == 0 {
		return AuditEntry{}, false
	}
	return a.AuditLog[len(a.AuditLog)-1], true
}

// Audit actions.
const (
	ActionCreated         = "Pre-alert sent"
	ActionAcknowledged    = "Alert acknowledged"
	ActionAccepted        = "Alert accepted"
	ActionDeclined        = "Alert declined"
	ActionCompleted       = "Patient dropped"
	ActionHospitalChanged = "Hospital changed"
	ActionUnavailable     = "Hospital marked unavailable"
)

var statusActions = map[Status]string{
	StatusAcknowledged: ActionAcknowledged,
	StatusAccepted:     ActionAccepted,
	StatusDeclined:     ActionDeclined,
}

// CreateRequest is the body of POST /alerts.
type CreateRequest struct {
	Patient           Patient  `json:"patient"`
	AmbulanceID       string   `json:"ambulance_id"`
	HospitalID        string   `json:"hospital_id"`
	DistanceKm        *float64 `json:"distance_km"`
	ETAMinutes        *int     `json:"eta_minutes"`
	RequiredEquipment []string `json:"required_equipment"`
}

type StatusRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

type ChangeHospitalRequest struct {
	HospitalID string `json:"hospital_id"`
	Reason     string `json:"reason"`
}

type UnavailableRequest struct {
	HospitalID string `json:"hospital_id"`
	Reason     string `json:"reason"`
}
