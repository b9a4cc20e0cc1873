package ambulance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/db"
)

type ambulanceRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &ambulanceRepoPG{pool: pool} }

func (r *ambulanceRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ambulanceCols = `id, call_sign, lat, lng, location_updated_at, created_at`

func (r *ambulanceRepoPG) scanRow(row pgx.Row) (*Ambulance, error) {
	var a Ambulance
	var lat, lng *float64
	err := row.Scan(&a.ID, &a.CallSign, &lat, &lng, &a.LocationUpdatedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ambulance: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		a.Location = &geo.Coordinates{Lat: *lat, Lng: *lng}
	}
	return &a, nil
}

func (r *ambulanceRepoPG) GetByID(ctx context.Context, id string) (*Ambulance, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+ambulanceCols+` FROM ambulances WHERE id = $1`, id))
}

func (r *ambulanceRepoPG) UpdateLocation(ctx context.Context, id string, loc geo.Coordinates) (*Ambulance, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `
		UPDATE ambulances SET lat = $2, lng = $3, location_updated_at = NOW()
		WHERE id = $1
		RETURNING `+ambulanceCols, id, loc.Lat, loc.Lng))
}
