package vitals

import "context"

type Repository interface {
	// Get returns the latest readings of an ambulance, or ErrNotFound.
	Get(ctx context.Context, ambulanceID string) (*LiveVitals, error)
	// Upsert replaces the ambulance's row and sets UpdatedAt.
	Upsert(ctx context.Context, v *LiveVitals) error
}
