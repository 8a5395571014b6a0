package elementlib

import (
	"context"
	"errors"
	"fmt"
	"time"

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

type customElementRepoPG struct{ pool *pgxpool.Pool }

func NewCustomElementRepoPG(pool *pgxpool.Pool) CustomElementRepository {
	return &customElementRepoPG{pool: pool}
}

func (r *customElementRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const elementCols = `id, name, description, category_id, fields, source_element_id, created_by, created_at`

func scanElement(row pgx.Row) (*Element, error) {
	var (
		e         Element
		source    *string
		createdBy *string
	)
	e.Custom = true
	e.CreatedAt = new(time.Time)
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &e.CategoryID, &e.Fields, &source, &createdBy, e.CreatedAt); err != nil {
		return nil, err
	}
	if source != nil {
		e.SourceElementID = *source
	}
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	return &e, nil
}

func (r *customElementRepoPG) Create(ctx context.Context, e *Element) error {
	if e.CategoryID == "" {
		e.CategoryID = CustomCategoryID
	}
	fields := e.Fields
	if fields == nil {
		fields = []Field{}
	}
	var createdAt time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO custom_elements (id, name, description, category_id, fields, source_element_id, created_by)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''))
		RETURNING created_at`,
		e.ID, e.Name, e.Description, e.CategoryID, fields, e.SourceElementID, e.CreatedBy).Scan(&createdAt)
	if db.IsUniqueViolation(err, "custom_elements_pkey") {
		return fmt.Errorf("element %s already exists: %w", e.ID, apperr.ErrInvalidState)
	}
	if err != nil {
		return err
	}
	e.CreatedAt = &createdAt
	return nil
}

func (r *customElementRepoPG) GetByID(ctx context.Context, id string) (*Element, error) {
	e, err := scanElement(r.conn(ctx).QueryRow(ctx, `SELECT `+elementCols+` FROM custom_elements WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("element %s: %w", id, apperr.ErrNotFound)
	}
	return e, err
}

func (r *customElementRepoPG) List(ctx context.Context) ([]*Element, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+elementCols+` FROM custom_elements ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *customElementRepoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM custom_elements WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("element %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
