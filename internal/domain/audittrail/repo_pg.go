package audittrail

import (
	"context"
	"errors"
	"fmt"

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

const entryCols = `id, entity_name, entity_id, action, key_values, original_values, current_values,
	changed_columns, correlation_id, ip_address, created_at, created_by`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var keyValues, original, current []byte
	err := row.Scan(&e.ID, &e.EntityName, &e.EntityID, &e.Action, &keyValues, &original, &current,
		&e.ChangedColumns, &e.CorrelationID, &e.IPAddress, &e.CreatedAt, &e.CreatedBy)
	if err != nil {
		return nil, err
	}
	e.KeyValues, e.OriginalValues, e.CurrentValues = keyValues, original, current
	if e.ChangedColumns == nil {
		e.ChangedColumns = []string{}
	}
	return &e, nil
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ChangedColumns == nil {
		e.ChangedColumns = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entries (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.EntityName, e.EntityID, string(e.Action), nullJSON(e.KeyValues), nullJSON(e.OriginalValues),
		nullJSON(e.CurrentValues), e.ChangedColumns, e.CorrelationID, e.IPAddress, e.CreatedAt, e.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM audit_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %s: %w", id, apperr.ErrNotFound)
	}
	return e, err
}

func (r *repoPG) ListByEntity(ctx context.Context, entityName, entityID string, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE entity_name = $1 AND entity_id = $2`,
		entityName, entityID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM audit_entries
		WHERE entity_name = $1 AND entity_id = $2
		ORDER BY seq DESC LIMIT $3 OFFSET $4`,
		entityName, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// nullJSON stores an absent payload as SQL NULL rather than JSON null.
func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
