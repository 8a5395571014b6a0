package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/acutis/intake/internal/domain/elementlib"
	"github.com/acutis/intake/internal/domain/formschema"
	"github.com/acutis/intake/internal/platform/apperr"
)

func TestCustomElementCRUD(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("elem")
	createTenantSchema(t, ctx, tenantID)
	s := newStack(t)

	mustTenant(t, ctx, tenantID, func(ctx context.Context) error {
		el, err := s.elements.AddCustomElement(ctx, elementlib.Element{
			Name: "Sobriety Date",
			Fields: []elementlib.Field{{
				ID: "sobrietyDate", FieldName: "sobrietyDate", Label: "Sobriety date", Type: "date",
			}},
		})
		if err != nil {
			t.Fatalf("add custom element: %v", err)
		}
		if !el.Custom || el.CreatedAt == nil {
			t.Errorf("expected stored custom element, got %+v", el)
		}

		got, err := s.elements.Element(ctx, el.ID)
		if err != nil || got.Name != "Sobriety Date" {
			t.Errorf("expected lookup of custom element, got %v %v", got, err)
		}

		if err := s.elements.RemoveCustomElement(ctx, el.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := s.elements.Element(ctx, el.ID); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("expected ErrNotFound after remove, got %v", err)
		}
		return nil
	})
}

func TestSchemaVersioning(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("schema")
	createTenantSchema(t, ctx, tenantID)
	s := newStack(t)

	mustTenant(t, ctx, tenantID, func(ctx context.Context) error {
		v1, err := s.schemas.CreateDraft(ctx, formschema.CreateDraftInput{Unit: "detox", Name: "Detox", Steps: draftSteps()})
		if err != nil {
			t.Fatalf("create v1: %v", err)
		}
		v2, err := s.schemas.Duplicate(ctx, v1.ID, "")
		if err != nil {
			t.Fatalf("duplicate: %v", err)
		}
		if v1.Version != 1 || v2.Version != 2 {
			t.Fatalf("expected versions 1 and 2, got %d and %d", v1.Version, v2.Version)
		}
		if len(v1.Steps[0].Sections[0].Fields) != 2 {
			t.Errorf("expected catalog element resolved into 2 fields, got %d", len(v1.Steps[0].Sections[0].Fields))
		}

		if _, err := s.schemas.Publish(ctx, v1.ID); err != nil {
			t.Fatalf("publish v1: %v", err)
		}
		if _, err := s.schemas.UpdateDraft(ctx, v2.ID, formschema.UpdateDraftInput{
			Steps: draftSteps(formschema.ElementEntry("element-contact-basic")),
		}); err != nil {
			t.Fatalf("update v2: %v", err)
		}
		if _, err := s.schemas.Publish(ctx, v2.ID); err != nil {
			t.Fatalf("publish v2: %v", err)
		}

		old, _ := s.schemas.Get(ctx, v1.ID)
		if old.Status != formschema.StatusArchived {
			t.Errorf("expected v1 archived, got %s", old.Status)
		}
		active, err := s.schemas.ActiveFor(ctx, "detox", nil)
		if err != nil || active.ID != v2.ID {
			t.Errorf("expected v2 active, got %v %v", active, err)
		}

		diff, err := s.schemas.Diff(ctx, v1.ID, v2.ID)
		if err != nil {
			t.Fatalf("diff: %v", err)
		}
		if len(diff) != 1 || len(diff[0].Fields) != 2 {
			t.Errorf("expected two added contact fields, got %+v", diff)
		}

		history, err := s.schemas.History(ctx, "detox", nil)
		if err != nil || len(history) != 2 || history[0].ID != v2.ID || history[0].ChangesCount != 2 {
			t.Errorf("unexpected history %+v %v", history, err)
		}

		if err := s.schemas.Delete(ctx, v2.ID); err != nil {
			t.Fatalf("delete v2: %v", err)
		}
		v3, err := s.schemas.CreateDraft(ctx, formschema.CreateDraftInput{Unit: "detox", Name: "Detox", Steps: draftSteps()})
		if err != nil || v3.Version != 3 {
			t.Errorf("expected version 3 after delete, got %v %v", v3, err)
		}
		return nil
	})
}

func TestSchemaPublish_ConcurrentSingleActive(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("race")
	createTenantSchema(t, ctx, tenantID)
	s := newStack(t)

	var ids []uuid.UUID
	mustTenant(t, ctx, tenantID, func(ctx context.Context) error {
		for i := 0; i < 6; i++ {
			fs, err := s.schemas.CreateDraft(ctx, formschema.CreateDraftInput{Unit: "detox", Name: "Detox", Steps: draftSteps()})
			if err != nil {
				return err
			}
			ids = append(ids, fs.ID)
		}
		return nil
	})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_ = withTenantConn(ctx, tenantID, func(ctx context.Context) error {
				_, err := s.schemas.Publish(ctx, id)
				if err != nil && !errors.Is(err, apperr.ErrConflictingActiveVersion) {
					t.Errorf("publish %s: %v", id, err)
				}
				return nil
			})
		}(id)
	}
	wg.Wait()

	mustTenant(t, ctx, tenantID, func(ctx context.Context) error {
		active, err := s.schemas.ListByUnit(ctx, "detox", formschema.StatusActive)
		if err != nil {
			return err
		}
		if len(active) != 1 {
			t.Errorf("expected exactly one active version, got %d", len(active))
		}
		return nil
	})
}
