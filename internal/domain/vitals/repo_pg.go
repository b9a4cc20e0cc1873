package vitals

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/db"
)

type vitalsRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &vitalsRepoPG{pool: pool} }

func (r *vitalsRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *vitalsRepoPG) Get(ctx context.Context, ambulanceID string) (*LiveVitals, error) {
	var v LiveVitals
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT ambulance_id, spo2, heart_rate, updated_at
		FROM live_vitals WHERE ambulance_id = $1`, ambulanceID).
		Scan(&v.AmbulanceID, &v.SpO2, &v.HeartRate, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("live vitals of %s: %w", ambulanceID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *vitalsRepoPG) Upsert(ctx context.Context, v *LiveVitals) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO live_vitals (ambulance_id, spo2, heart_rate, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (ambulance_id) DO UPDATE
			SET spo2 = EXCLUDED.spo2, heart_rate = EXCLUDED.heart_rate, updated_at = EXCLUDED.updated_at
		RETURNING updated_at`,
		v.AmbulanceID, v.SpO2, v.HeartRate).Scan(&v.UpdatedAt)
}
