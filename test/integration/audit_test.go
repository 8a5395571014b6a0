package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acutis/intake/internal/domain/audittrail"
	"github.com/acutis/intake/internal/platform/db"
)

func TestAuditEntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("audit")
	createTenantSchema(t, ctx, tenantID)
	s := newStack(t)

	mustTenant(t, ctx, tenantID, func(ctx context.Context) error {
		e, err := s.audit.Record(ctx, audittrail.RecordInput{
			EntityName: "admissions",
			EntityID:   "a-1",
			Action:     audittrail.ActionUpdate,
			Before:     map[string]interface{}{"status": "expected"},
			After:      map[string]interface{}{"status": "arrived"},
			Actor:      "nurse-1",
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if len(e.ChangedColumns) != 1 || e.ChangedColumns[0] != "status" {
			t.Errorf("expected status changed, got %v", e.ChangedColumns)
		}

		conn := db.ConnFromContext(ctx)
		if _, err := conn.Exec(ctx, `UPDATE audit_entries SET created_by = 'someone' WHERE id = $1`, e.ID); err == nil {
			t.Error("expected update of an audit entry to be rejected")
		}
		if _, err := conn.Exec(ctx, `DELETE FROM audit_entries WHERE id = $1`, e.ID); err == nil {
			t.Error("expected delete of an audit entry to be rejected")
		}

		got, err := s.audit.Get(ctx, e.ID)
		if err != nil || got.CreatedBy != "nurse-1" {
			t.Errorf("expected entry unchanged, got %v %v", got, err)
		}
		return nil
	})
}

func TestAuditHistory_AppendOrderOnTiedTimestamps(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("auditord")
	createTenantSchema(t, ctx, tenantID)
	repo := audittrail.NewRepoPG(globalPool)

	mustTenant(t, ctx, tenantID, func(ctx context.Context) error {
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		var want []uuid.UUID
		for i := 0; i < 6; i++ {
			e := &audittrail.Entry{ID: uuid.New(), EntityName: "intake_sessions", EntityID: "s1",
				Action: audittrail.ActionUpdate, CreatedAt: at, CreatedBy: "tester"}
			if err := repo.Append(ctx, e); err != nil {
				t.Fatalf("append: %v", err)
			}
			want = append([]uuid.UUID{e.ID}, want...)
		}

		items, total, err := repo.ListByEntity(ctx, "intake_sessions", "s1", 10, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != len(want) {
			t.Fatalf("expected %d entries, got %d", len(want), total)
		}
		for i, e := range items {
			if e.ID != want[i] {
				t.Fatalf("entry %d: expected %s, got %s", i, want[i], e.ID)
			}
		}
		return nil
	})
}
