package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/db"
)

// =========== Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &alertRepoPG{pool: pool} }

func (r *alertRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const alertCols = `id, patient, ambulance_id, hospital_id, distance_km, eta_minutes, status,
	created_at, completed_at, required_equipment, decline_reason, previous_hospital_ids, version`

const auditCols = `id, created_at, action, actor, details, hospital_id`

func (r *alertRepoPG) scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var patient []byte
	err := row.Scan(&a.ID, &patient, &a.AmbulanceID, &a.HospitalID, &a.DistanceKm, &a.ETAMinutes, &a.Status,
		&a.CreatedAt, &a.CompletedAt, &a.RequiredEquipment, &a.DeclineReason, &a.PreviousHospitalIDs, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patient, &a.Patient); err != nil {
		return nil, fmt.Errorf("decode patient of alert %s: %w", a.ID, err)
	}
	if a.RequiredEquipment == nil {
		a.RequiredEquipment = []string{}
	}
	if a.PreviousHospitalIDs == nil {
		a.PreviousHospitalIDs = []string{}
	}
	return &a, nil
}

func (r *alertRepoPG) Create(ctx context.Context, a *Alert) error {
	patient, err := json.Marshal(a.Patient)
	if err != nil {
		return fmt.Errorf("encode patient: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO alerts (id, patient, ambulance_id, hospital_id, distance_km, eta_minutes, status,
				required_equipment, decline_reason, previous_hospital_ids, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)
			RETURNING created_at, version`,
			a.ID, patient, a.AmbulanceID, a.HospitalID, a.DistanceKm, a.ETAMinutes, a.Status,
			nonNil(a.RequiredEquipment), a.DeclineReason, nonNil(a.PreviousHospitalIDs)).
			Scan(&a.CreatedAt, &a.Version)
		if err != nil {
			return err
		}
		for i := range a.AuditLog {
			if err := r.insertEntry(ctx, a.ID, &a.AuditLog[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *alertRepoPG) insertEntry(ctx context.Context, alertID uuid.UUID, e *AuditEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO alert_audit_log (id, alert_id, created_at, action, actor, details, hospital_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, alertID, e.Timestamp, e.Action, e.Actor, e.Details, e.HospitalID)
	return err
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := r.scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadAudit(ctx, []*Alert{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// loadAudit attaches audit logs to alerts with one query, ordered by the
// per-insert sequence.
func (r *alertRepoPG) loadAudit(ctx context.Context, alerts []*Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Alert, len(alerts))
	ids := make([]uuid.UUID, len(alerts))
	for i, a := range alerts {
		a.AuditLog = []AuditEntry{}
		byID[a.ID] = a
		ids[i] = a.ID
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT alert_id, `+auditCols+` FROM alert_audit_log WHERE alert_id = ANY($1) ORDER BY alert_id, seq`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var alertID uuid.UUID
		var e AuditEntry
		if err := rows.Scan(&alertID, &e.ID, &e.Timestamp, &e.Action, &e.Actor, &e.Details, &e.HospitalID); err != nil {
			return err
		}
		if a := byID[alertID]; a != nil {
			a.AuditLog = append(a.AuditLog, e)
		}
	}
	return rows.Err()
}

func (r *alertRepoPG) List(ctx context.Context, limit, offset int) ([]*Alert, int, error) {
	return r.list(ctx, "", nil, limit, offset)
}

func (r *alertRepoPG) ListByHospital(ctx context.Context, hospitalID string, limit, offset int) ([]*Alert, int, error) {
	return r.list(ctx, "hospital_id = $1", []interface{}{hospitalID}, limit, offset)
}

func (r *alertRepoPG) ListByAmbulance(ctx context.Context, ambulanceID string, limit, offset int) ([]*Alert, int, error) {
	return r.list(ctx, "ambulance_id = $1", []interface{}{ambulanceID}, limit, offset)
}

func (r *alertRepoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*Alert, int, error) {
	whereSQL := ""
	if where != "" {
		whereSQL = " WHERE " + where
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM alerts`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT `+alertCols+` FROM alerts%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, whereSQL, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadAudit(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *alertRepoPG) ActiveForAmbulance(ctx context.Context, ambulanceID string) (*Alert, error) {
	a, err := r.scanAlert(r.conn(ctx).QueryRow(ctx, `
		SELECT `+alertCols+` FROM alerts
		WHERE ambulance_id = $1 AND status NOT IN ('completed', 'declined')
		ORDER BY created_at DESC LIMIT 1`, ambulanceID))
	if err != nil {
		return nil, err
	}
	if err := r.loadAudit(ctx, []*Alert{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// Transition applies the mutable columns of a only if the stored version
// still equals version, then appends entry, in one transaction.
func (r *alertRepoPG) Transition(ctx context.Context, a *Alert, version int, entry AuditEntry) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE alerts SET hospital_id=$3, status=$4, completed_at=$5, decline_reason=$6,
				previous_hospital_ids=$7, version=version+1
			WHERE id = $1 AND version = $2
			RETURNING version`,
			a.ID, version, a.HospitalID, a.Status, a.CompletedAt, a.DeclineReason,
			nonNil(a.PreviousHospitalIDs)).
			Scan(&a.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			if err := r.mustExist(ctx, a.ID); err != nil {
				return err
			}
			return fmt.Errorf("%w: alert %s was modified concurrently", apperr.ErrConflict, a.ID)
		}
		if err != nil {
			return err
		}
		return r.insertEntry(ctx, a.ID, &entry)
	})
}

// AppendEntry inserts entry while the alert is open. The row lock taken by
// FOR SHARE keeps a concurrent completion from slipping in between.
func (r *alertRepoPG) AppendEntry(ctx context.Context, id uuid.UUID, entry AuditEntry) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var status Status
		err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM alerts WHERE id = $1 FOR SHARE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("alert %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if status == StatusCompleted {
			return fmt.Errorf("%w: alert is already completed", apperr.ErrInvalidArgument)
		}
		return r.insertEntry(ctx, id, &entry)
	})
}

func (r *alertRepoPG) mustExist(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("alert %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (r *alertRepoPG) UpdateRoute(ctx context.Context, id uuid.UUID, distanceKm float64, etaMinutes int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE alerts SET distance_km=$2, eta_minutes=$3 WHERE id = $1`, id, distanceKm, etaMinutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
