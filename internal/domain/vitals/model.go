package vitals

import (
	"fmt"
	"strings"
	"time"

	"github.com/prealert/prealert/internal/platform/apperr"
)

// Readings shown before an ambulance has reported anything.
const (
	DefaultSpO2      = 98
	DefaultHeartRate = 72
)

// LiveVitals maps to the live_vitals table: one row per ambulance holding
// the latest readings from its monitor.
type LiveVitals struct {
	AmbulanceID string    `db:"ambulance_id" json:"ambulance_id"`
	SpO2        int       `db:"spo2" json:"spo2"`
	HeartRate   int       `db:"heart_rate" json:"heart_rate"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Default returns the placeholder readings for an ambulance with no row.
func Default(ambulanceID string) LiveVitals {
	return LiveVitals{AmbulanceID: ambulanceID, SpO2: DefaultSpO2, HeartRate: DefaultHeartRate}
}

func (v LiveVitals) Validate() error {
	if strings.TrimSpace(v.AmbulanceID) == "" {
		return fmt.Errorf("%w: ambulance_id is required", apperr.ErrInvalidArgument)
	}
	if v.SpO2 < 0 || v.SpO2 > 100 {
		return fmt.Errorf("%w: spo2 must be between 0 and 100", apperr.ErrInvalidArgument)
	}
	if v.HeartRate < 0 || v.HeartRate > 300 {
		return fmt.Errorf("%w: heart_rate must be between 0 and 300", apperr.ErrInvalidArgument)
	}
	return nil
}

// UpdateRequest is the body of PUT /ambulances/:id/vitals.
type UpdateRequest struct {
	SpO2      int `json:"spo2"`
	HeartRate int `json:"heart_rate"`
}
