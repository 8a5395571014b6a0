package formschema

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const activeIndex = "form_schemas_one_active"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const schemaCols = `id, name, description, unit, admission_type, form_type, version, status, draft, steps,
	previous_version_id, COALESCE(created_by, ''), created_at, updated_at, published_at, archived_at`

func scanSchema(row pgx.Row) (*FormSchema, error) {
	var s FormSchema
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Unit, &s.AdmissionType, &s.FormType, &s.Version,
		&s.Status, &s.Draft, &s.Steps, &s.PreviousVersionID, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
		&s.PublishedAt, &s.ArchivedAt)
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *FormSchema) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO form_schema_lineages (unit, admission_type, last_version)
			VALUES ($1, COALESCE($2, ''), (
				SELECT COALESCE(MAX(version), 0) + 1 FROM form_schemas
				WHERE unit = $1 AND admission_type IS NOT DISTINCT FROM $2))
			ON CONFLICT (unit, admission_type) DO UPDATE
			SET last_version = GREATEST(form_schema_lineages.last_version, (
				SELECT COALESCE(MAX(version), 0) FROM form_schemas
				WHERE unit = $1 AND admission_type IS NOT DISTINCT FROM $2)) + 1
			RETURNING last_version`, s.Unit, s.AdmissionType).Scan(&s.Version)
		if err != nil {
			return fmt.Errorf("allocate version: %w", err)
		}

		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		return q.QueryRow(ctx, `
			INSERT INTO form_schemas (id, name, description, unit, admission_type, form_type, version, status,
				draft, steps, previous_version_id, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''))
			RETURNING created_at, updated_at`,
			s.ID, s.Name, s.Description, s.Unit, s.AdmissionType, s.FormType, s.Version, s.Status,
			nonNilDraft(s.Draft), nonNilSteps(s.Steps), s.PreviousVersionID, s.CreatedBy,
		).Scan(&s.CreatedAt, &s.UpdatedAt)
	})
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*FormSchema, error) {
	s, err := scanSchema(r.conn(ctx).QueryRow(ctx, `SELECT `+schemaCols+` FROM form_schemas WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schema %s: %w", id, apperr.ErrNotFound)
	}
	return s, err
}

func (r *repoPG) UpdateDraft(ctx context.Context, s *FormSchema) error {
	var status Status
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE form_schemas SET name=$2, description=$3, draft=$4, steps=$5, updated_at=NOW()
		WHERE id = $1 AND status = 'draft'
		RETURNING status, updated_at`,
		s.ID, s.Name, s.Description, nonNilDraft(s.Draft), nonNilSteps(s.Steps)).Scan(&status, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.notDraft(ctx, s.ID)
	}
	return err
}

// notDraft explains why a draft-only write matched no row.
func (r *repoPG) notDraft(ctx context.Context, id uuid.UUID) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("schema %s is %s, not draft: %w", id, current.Status, apperr.ErrInvalidState)
}

func (r *repoPG) Activate(ctx context.Context, id uuid.UUID) (*ActivationResult, error) {
	res := &ActivationResult{}
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)

		target, err := scanSchema(q.QueryRow(ctx,
			`SELECT `+schemaCols+` FROM form_schemas WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("schema %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if target.Status != StatusDraft {
			return fmt.Errorf("schema %s is %s, not draft: %w", id, target.Status, apperr.ErrInvalidState)
		}

		rows, err := q.Query(ctx, `
			UPDATE form_schemas SET status='archived', archived_at=NOW(), updated_at=NOW()
			WHERE unit = $1 AND admission_type IS NOT DISTINCT FROM $2 AND status = 'active' AND id <> $3
			RETURNING id`, target.Unit, target.AdmissionType, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var demoted uuid.UUID
			if err := rows.Scan(&demoted); err != nil {
				rows.Close()
				return err
			}
			res.Demoted = append(res.Demoted, demoted)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res.Schema, err = scanSchema(q.QueryRow(ctx, `
			UPDATE form_schemas SET status='active', published_at=NOW(), updated_at=NOW()
			WHERE id = $1 AND status = 'draft'
			RETURNING `+schemaCols, id))
		return err
	})
	if db.IsUniqueViolation(err, activeIndex) {
		return nil, fmt.Errorf("publish schema %s: %w", id, apperr.ErrConflictingActiveVersion)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM form_schemas WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schema %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*FormSchema, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Unit != "" {
		add("unit = $%d", f.Unit)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.AdmissionType != nil {
		add("admission_type = $%d", *f.AdmissionType)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM form_schemas`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	items, err := r.query(ctx, `SELECT `+schemaCols+` FROM form_schemas`+cond+
		fmt.Sprintf(` ORDER BY unit, admission_type NULLS FIRST, version DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	return items, total, err
}

func (r *repoPG) ListByUnit(ctx context.Context, unit string, status Status) ([]*FormSchema, error) {
	if status == "" {
		return r.query(ctx, `SELECT `+schemaCols+` FROM form_schemas WHERE unit = $1
			ORDER BY admission_type NULLS FIRST, version DESC`, unit)
	}
	return r.query(ctx, `SELECT `+schemaCols+` FROM form_schemas WHERE unit = $1 AND status = $2
		ORDER BY admission_type NULLS FIRST, version DESC`, unit, status)
}

func (r *repoPG) ListLineage(ctx context.Context, unit string, admissionType *string) ([]*FormSchema, error) {
	return r.query(ctx, `SELECT `+schemaCols+` FROM form_schemas
		WHERE unit = $1 AND admission_type IS NOT DISTINCT FROM $2
		ORDER BY version`, unit, admissionType)
}

func (r *repoPG) ActiveFor(ctx context.Context, unit string, admissionType *string) (*FormSchema, error) {
	s, err := scanSchema(r.conn(ctx).QueryRow(ctx, `SELECT `+schemaCols+` FROM form_schemas
		WHERE unit = $1 AND admission_type IS NOT DISTINCT FROM $2 AND status = 'active'`, unit, admissionType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no active schema for %s: %w", lineageName(unit, admissionType), apperr.ErrNotFound)
	}
	return s, err
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*FormSchema, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FormSchema
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func nonNilDraft(d []DraftStep) []DraftStep {
	if d == nil {
		return []DraftStep{}
	}
	return d
}

func nonNilSteps(s []Step) []Step {
	if s == nil {
		return []Step{}
	}
	return s
}
