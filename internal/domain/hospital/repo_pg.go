package hospital

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/db"
)

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &hospitalRepoPG{pool: pool} }

func (r *hospitalRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const hospitalCols = `id, name, address, phone, lat, lng, equipment, specialties, available, created_at, updated_at`

func (r *hospitalRepoPG) scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.Location.Lat, &h.Location.Lng,
		&h.Equipment, &h.Specialties, &h.Available, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("hospital: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hospitals (id, name, address, phone, lat, lng, equipment, specialties, available)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		h.ID, h.Name, h.Address, h.Phone, h.Location.Lat, h.Location.Lng,
		nonNil(h.Equipment), nonNil(h.Specialties), h.Available).
		Scan(&h.CreatedAt, &h.UpdatedAt)
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id string) (*Hospital, error) {
	return r.scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospitals WHERE id = $1`, id))
}

func (r *hospitalRepoPG) Update(ctx context.Context, h *Hospital) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE hospitals SET name=$2, address=$3, phone=$4, lat=$5, lng=$6,
			equipment=$7, specialties=$8, available=$9, updated_at=NOW()
		WHERE id = $1`,
		h.ID, h.Name, h.Address, h.Phone, h.Location.Lat, h.Location.Lng,
		nonNil(h.Equipment), nonNil(h.Specialties), h.Available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("hospital %s: %w", h.ID, apperr.ErrNotFound)
	}
	return nil
}

func (r *hospitalRepoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hospitals`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+hospitalCols+` FROM hospitals ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListAll returns every hospital in a fixed order so ranking ties are
// reproducible across requests.
func (r *hospitalRepoPG) ListAll(ctx context.Context) ([]*Hospital, error) {
	return r.query(ctx, `SELECT `+hospitalCols+` FROM hospitals ORDER BY created_at, id`)
}

func (r *hospitalRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Hospital, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		h, err := r.scanHospital(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
