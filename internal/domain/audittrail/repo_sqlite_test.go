package audittrail

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acutis/intake/internal/platform/apperr"
)

func TestSQLiteRepo_AppendAndList(t *testing.T) {
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "audit", "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i, a := range []Action{ActionCreate, ActionUpdate, ActionComplete} {
		cid := "req-1"
		e := &Entry{
			ID:             uuid.New(),
			EntityName:     "admissions",
			EntityID:       "a1",
			Action:         a,
			CurrentValues:  []byte(`{"status":"expected"}`),
			ChangedColumns: []string{"status"},
			CorrelationID:  &cid,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			CreatedBy:      "tester",
		}
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, e.ID)
	}

	items, total, err := repo.ListByEntity(ctx, "admissions", "a1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("expected 3 entries, got %d (total %d)", len(items), total)
	}
	if items[0].Action != ActionComplete || items[2].Action != ActionCreate {
		t.Errorf("expected newest first, got %s..%s", items[0].Action, items[2].Action)
	}
	if items[0].CorrelationID == nil || *items[0].CorrelationID != "req-1" {
		t.Errorf("correlation id not round-tripped")
	}
	if items[0].IPAddress != nil {
		t.Errorf("expected nil ip address")
	}

	got, err := repo.GetByID(ctx, ids[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Action != ActionUpdate || len(got.ChangedColumns) != 1 || got.ChangedColumns[0] != "status" {
		t.Errorf("unexpected entry %+v", got)
	}
	if !got.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("created_at mismatch: %v", got.CreatedAt)
	}
}

func TestSQLiteRepo_NotFound(t *testing.T) {
	repo, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()

	_, err = repo.GetByID(context.Background(), uuid.New())
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepo_RejectsMutation(t *testing.T) {
	repo, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	e := &Entry{ID: uuid.New(), EntityName: "x", EntityID: "1", Action: ActionCreate, CreatedAt: time.Now(), CreatedBy: "t"}
	if err := repo.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := repo.db.ExecContext(ctx, `DELETE FROM audit_entries`); err == nil {
		t.Error("expected delete to be rejected")
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE audit_entries SET action = 'Delete'`); err == nil {
		t.Error("expected update to be rejected")
	}
}

func TestSQLiteRepo_ListKeepsAppendOrderOnTiedTimestamps(t *testing.T) {
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		e := &Entry{ID: uuid.New(), EntityName: "intake_sessions", EntityID: "s1",
			Action: ActionUpdate, CreatedAt: at, CreatedBy: "tester"}
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
		want = append([]uuid.UUID{e.ID}, want...)
	}

	items, _, err := repo.ListByEntity(ctx, "intake_sessions", "s1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, e := range items {
		if e.ID != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], e.ID)
		}
	}
}
