package ambulance

import (
	"time"

	"github.com/google/uuid"

	"github.com/prealert/prealert/internal/domain/geo"
)

// Ambulance maps to the ambulances table. ActiveAlertID is derived on read
// from the newest open alert of the ambulance.
type Ambulance struct {
	ID                string           `db:"id" json:"id"`
	CallSign          string           `db:"call_sign" json:"call_sign"`
	Location          *geo.Coordinates `db:"-" json:"location,omitempty"`
	LocationUpdatedAt *time.Time       `db:"location_updated_at" json:"location_updated_at,omitempty"`
	ActiveAlertID     *uuid.UUID       `db:"-" json:"active_alert_id,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
}

// LocationRequest is the body of POST /ambulances/:id/location.
type LocationRequest struct {
	Location geo.Coordinates `json:"location"`
}
