package alert

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores a new alert together with its initial audit entries.
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	List(ctx context.Context, limit, offset int) ([]*Alert, int, error)
	ListByHospital(ctx context.Context, hospitalID string, limit, offset int) ([]*Alert, int, error)
	ListByAmbulance(ctx context.Context, ambulanceID string, limit, offset int) ([]*Alert, int, error)
	// ActiveForAmbulance returns the newest non-terminal alert of an
	// ambulance, or ErrNotFound.
	ActiveForAmbulance(ctx context.Context, ambulanceID string) (*Alert, error)
	// Transition persists a and appends entry, provided the stored alert is
	// still at version. Otherwise it returns ErrConflict and stores nothing.
	// On success a.Version holds the new version.
	Transition(ctx context.Context, a *Alert, version int, entry AuditEntry) error
	// AppendEntry adds entry to the audit log of an alert that is not
	// completed, leaving every alert column as it is. A completed alert
	// yields ErrInvalidArgument.
	AppendEntry(ctx context.Context, id uuid.UUID, entry AuditEntry) error
	// UpdateRoute refreshes distance and ETA without touching status or the
	// audit log.
	UpdateRoute(ctx context.Context, id uuid.UUID, distanceKm float64, etaMinutes int) error
}
