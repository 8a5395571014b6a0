package audittrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/acutis/intake/internal/platform/apperr"
)

// SQLiteRepo keeps the audit trail in a local SQLite file. It suits
// single-node installs where the audit log should live apart from the
// operational database.
type SQLiteRepo struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id              TEXT PRIMARY KEY,
    entity_name     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    action          TEXT NOT NULL,
    key_values      BLOB,
    original_values BLOB,
    current_values  BLOB,
    changed_columns TEXT NOT NULL DEFAULT '[]',
    correlation_id  TEXT,
    ip_address      TEXT,
    created_at      INTEGER NOT NULL,
    created_by      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_entity
    ON audit_entries (entity_name, entity_id);
CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
    BEFORE UPDATE ON audit_entries
    BEGIN SELECT RAISE(ABORT, 'audit entries are append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
    BEFORE DELETE ON audit_entries
    BEGIN SELECT RAISE(ABORT, 'audit entries are append-only'); END;
`

// OpenSQLite opens (creating if needed) the audit database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteRepo, error) {
	if path == "" {
		path = "audit.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent
	// appends and makes :memory: databases shared across calls.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(sqliteSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteRepo{db: conn}, nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) Append(ctx context.Context, e *Entry) error {
	cols := e.ChangedColumns
	if cols == nil {
		cols = []string{}
	}
	colsJSON, err := json.Marshal(cols)
	if err != nil {
		return fmt.Errorf("encode changed columns: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, entity_name, entity_id, action, key_values, original_values,
			current_values, changed_columns, correlation_id, ip_address, created_at, created_by)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.EntityName, e.EntityID, string(e.Action), blob(e.KeyValues), blob(e.OriginalValues),
		blob(e.CurrentValues), string(colsJSON), e.CorrelationID, e.IPAddress, e.CreatedAt.UnixNano(), e.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, entity_name, entity_id, action, key_values, original_values,
		current_values, changed_columns, correlation_id, ip_address, created_at, created_by
		FROM audit_entries WHERE id = ?`, id.String())
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %s: %w", id, apperr.ErrNotFound)
	}
	return e, err
}

func (r *SQLiteRepo) ListByEntity(ctx context.Context, entityName, entityID string, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE entity_name = ? AND entity_id = ?`,
		entityName, entityID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, entity_name, entity_id, action, key_values, original_values,
		current_values, changed_columns, correlation_id, ip_address, created_at, created_by
		FROM audit_entries WHERE entity_name = ? AND entity_id = ?
		ORDER BY rowid DESC LIMIT ? OFFSET ?`,
		entityName, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Entry
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLite(row scanner) (*Entry, error) {
	var (
		e                          Entry
		id, action, cols           string
		keyVals, original, current []byte
		createdAt                  int64
		correlation, ip            sql.NullString
	)
	if err := row.Scan(&id, &e.EntityName, &e.EntityID, &action, &keyVals, &original,
		&current, &cols, &correlation, &ip, &createdAt, &e.CreatedBy); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse audit id %q: %w", id, err)
	}
	e.ID = parsed
	e.Action = Action(action)
	e.KeyValues, e.OriginalValues, e.CurrentValues = keyVals, original, current
	if err := json.Unmarshal([]byte(cols), &e.ChangedColumns); err != nil {
		return nil, fmt.Errorf("decode changed columns: %w", err)
	}
	if correlation.Valid {
		e.CorrelationID = &correlation.String
	}
	if ip.Valid {
		e.IPAddress = &ip.String
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, nil
}

func blob(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
