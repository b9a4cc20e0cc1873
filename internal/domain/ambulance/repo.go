package ambulance

import (
	"context"

	"github.com/prealert/prealert/internal/domain/geo"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*Ambulance, error)
	// UpdateLocation stores the latest position and returns the updated
	// row, or ErrNotFound for an unknown ambulance.
	UpdateLocation(ctx context.Context, id string, loc geo.Coordinates) (*Ambulance, error)
}
