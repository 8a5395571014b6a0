package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pick(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Admission Repository ===========

type admissionRepoPG struct{ pool *pgxpool.Pool }

func NewAdmissionRepoPG(pool *pgxpool.Pool) AdmissionRepository {
	return &admissionRepoPG{pool: pool}
}

func (r *admissionRepoPG) conn(ctx context.Context) queryable { return pick(ctx, r.pool) }

const admissionCols = `id, first_name, last_name, status, unit, admission_type, expected_time,
	phone_eval_completed, is_returning, notes, created_at, updated_at, arrived_at, completed_at`

func scanAdmission(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.FirstName, &a.LastName, &a.Status, &a.Unit, &a.AdmissionType, &a.ExpectedTime,
		&a.PhoneEvalCompleted, &a.IsReturning, &a.Notes, &a.CreatedAt, &a.UpdatedAt, &a.ArrivedAt, &a.CompletedAt)
	return &a, err
}

func (r *admissionRepoPG) Create(ctx context.Context, a *Admission) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO admissions (id, first_name, last_name, status, unit, admission_type, expected_time,
			phone_eval_completed, is_returning, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.FirstName, a.LastName, a.Status, a.Unit, a.AdmissionType, a.ExpectedTime,
		a.PhoneEvalCompleted, a.IsReturning, a.Notes).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *admissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+` FROM admissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("admission %s: %w", id, apperr.ErrNotFound)
	}
	return a, err
}

func (r *admissionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status AdmissionStatus, at time.Time) (*Admission, error) {
	stamp := ""
	switch status {
	case StatusArrived:
		stamp = ", arrived_at = $3"
	case StatusCompleted:
		stamp = ", completed_at = $3"
	}
	args := []interface{}{id, status}
	if stamp != "" {
		args = append(args, at)
	}
	a, err := scanAdmission(r.conn(ctx).QueryRow(ctx,
		`UPDATE admissions SET status = $2, updated_at = NOW()`+stamp+` WHERE id = $1 RETURNING `+admissionCols,
		args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("admission %s: %w", id, apperr.ErrNotFound)
	}
	return a, err
}

// dayExpr is the timestamp an admission is filed under for day filters.
const dayExpr = `COALESCE(expected_time, created_at)`

func (r *admissionRepoPG) List(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*Admission, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, vals ...interface{}) {
		refs := make([]interface{}, len(vals))
		for i, v := range vals {
			args = append(args, v)
			refs[i] = len(args)
		}
		where = append(where, fmt.Sprintf(clause, refs...))
	}
	if f.Unit != "" {
		add("unit = $%d", f.Unit)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Day != nil {
		start, end := dayBounds(*f.Day)
		add(dayExpr+" >= $%d AND "+dayExpr+" < $%d", start, end)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM admissions`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+admissionCols+` FROM admissions`+cond+
		fmt.Sprintf(` ORDER BY `+dayExpr+` DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *admissionRepoPG) Stats(ctx context.Context, dayStart, dayEnd time.Time) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'expected' AND `+dayExpr+` >= $1 AND `+dayExpr+` < $2),
			COUNT(*) FILTER (WHERE arrived_at >= $1 AND arrived_at < $2),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE completed_at >= $1 AND completed_at < $2),
			COUNT(*) FILTER (WHERE status = 'in_progress' OR (status = 'expected' AND NOT phone_eval_completed))
		FROM admissions`, dayStart, dayEnd).Scan(
		&s.ExpectedToday, &s.ArrivedToday, &s.InProgress, &s.CompletedToday, &s.NeedsReview)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable { return pick(ctx, r.pool) }

const sessionCols = `id, admission_id, schema_version_id, current_step, total_steps, data,
	started_at, last_updated_at, completed_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AdmissionID, &s.SchemaVersionID, &s.CurrentStep, &s.TotalSteps, &s.Data,
		&s.StartedAt, &s.LastUpdatedAt, &s.CompletedAt)
	if s.Data == nil {
		s.Data = map[string]interface{}{}
	}
	return &s, err
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Data == nil {
		s.Data = map[string]interface{}{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO intake_sessions (id, admission_id, schema_version_id, current_step, total_steps, data)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING started_at, last_updated_at`,
		s.ID, s.AdmissionID, s.SchemaVersionID, s.CurrentStep, s.TotalSteps, s.Data).Scan(&s.StartedAt, &s.LastUpdatedAt)
	if db.IsUniqueViolation(err, "intake_sessions_one_open") {
		return fmt.Errorf("admission %s: %w", s.AdmissionID, ErrOpenSessionExists)
	}
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM intake_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return s, err
}

func (r *sessionRepoPG) OpenForAdmission(ctx context.Context, admissionID uuid.UUID) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM intake_sessions
		WHERE admission_id = $1 AND completed_at IS NULL`, admissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open session for admission %s: %w", admissionID, apperr.ErrNotFound)
	}
	return s, err
}

func (r *sessionRepoPG) MergeData(ctx context.Context, id uuid.UUID, step int, patch map[string]interface{}) (*Session, error) {
	if patch == nil {
		patch = map[string]interface{}{}
	}
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `
		UPDATE intake_sessions SET current_step = $2, data = data || $3::jsonb, last_updated_at = NOW()
		WHERE id = $1 AND completed_at IS NULL
		RETURNING `+sessionCols, id, step, patch))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s is completed or missing: %w", id, apperr.ErrInvalidState)
	}
	return s, err
}

func (r *sessionRepoPG) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_sessions SET completed_at = $2, last_updated_at = $2
		WHERE id = $1 AND completed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s is already completed: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

// =========== Activity Repository ===========

type activityRepoPG struct{ pool *pgxpool.Pool }

func NewActivityRepoPG(pool *pgxpool.Pool) ActivityRepository {
	return &activityRepoPG{pool: pool}
}

func (r *activityRepoPG) conn(ctx context.Context) queryable { return pick(ctx, r.pool) }

func (r *activityRepoPG) Create(ctx context.Context, a *Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO intake_activity (id, type, admission_id, message, actor)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		a.ID, a.Type, a.AdmissionID, a.Message, a.Actor).Scan(&a.CreatedAt)
}

func (r *activityRepoPG) Recent(ctx context.Context, limit int) ([]*Activity, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, type, admission_id, message, COALESCE(actor, ''), created_at
		FROM intake_activity ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Type, &a.AdmissionID, &a.Message, &a.Actor, &a.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}
