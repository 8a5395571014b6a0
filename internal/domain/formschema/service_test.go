package formschema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acutis/intake/internal/domain/audittrail"
	"github.com/acutis/intake/internal/domain/elementlib"
	"github.com/acutis/intake/internal/domain/versiondiff"
	"github.com/acutis/intake/internal/platform/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*FormSchema
	lineages map[string]int
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]*FormSchema), lineages: make(map[string]int)}
}

func copySchema(s *FormSchema) *FormSchema {
	c := *s
	c.Steps = cloneSteps(s.Steps)
	c.Draft = cloneDraft(s.Draft)
	return &c
}

func (m *mockRepo) Create(_ context.Context, s *FormSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.Lineage()
	m.lineages[key]++
	s.Version = m.lineages[key]
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.records[s.ID] = copySchema(s)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*FormSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", id, apperr.ErrNotFound)
	}
	return copySchema(s), nil
}

func (m *mockRepo) UpdateDraft(_ context.Context, s *FormSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[s.ID]
	if !ok {
		return fmt.Errorf("schema %s: %w", s.ID, apperr.ErrNotFound)
	}
	if cur.Status != StatusDraft {
		return fmt.Errorf("schema %s is %s, not draft: %w", s.ID, cur.Status, apperr.ErrInvalidState)
	}
	s.UpdatedAt = time.Now()
	m.records[s.ID] = copySchema(s)
	return nil
}

func (m *mockRepo) Activate(_ context.Context, id uuid.UUID) (*ActivationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", id, apperr.ErrNotFound)
	}
	if target.Status != StatusDraft {
		return nil, fmt.Errorf("schema %s is %s, not draft: %w", id, target.Status, apperr.ErrInvalidState)
	}
	res := &ActivationResult{}
	now := time.Now()
	for _, s := range m.records {
		if s.ID != id && s.Lineage() == target.Lineage() && s.Status == StatusActive {
			s.Status = StatusArchived
			s.ArchivedAt = &now
			res.Demoted = append(res.Demoted, s.ID)
		}
	}
	target.Status = StatusActive
	target.PublishedAt = &now
	res.Schema = copySchema(target)
	return res, nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("schema %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

func (m *mockRepo) filter(keep func(*FormSchema) bool) []*FormSchema {
	var out []*FormSchema
	for _, s := range m.records {
		if keep(s) {
			out = append(out, copySchema(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*FormSchema, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.filter(func(s *FormSchema) bool {
		return (f.Unit == "" || s.Unit == f.Unit) && (f.Status == "" || s.Status == f.Status) &&
			(f.AdmissionType == nil || (s.AdmissionType != nil && *s.AdmissionType == *f.AdmissionType))
	})
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *mockRepo) ListByUnit(_ context.Context, unit string, status Status) ([]*FormSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(s *FormSchema) bool {
		return s.Unit == unit && (status == "" || s.Status == status)
	}), nil
}

func (m *mockRepo) ListLineage(_ context.Context, unit string, admissionType *string) ([]*FormSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lineageName(unit, admissionType)
	return m.filter(func(s *FormSchema) bool { return s.Lineage() == key }), nil
}

func (m *mockRepo) ActiveFor(_ context.Context, unit string, admissionType *string) (*FormSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lineageName(unit, admissionType)
	for _, s := range m.records {
		if s.Lineage() == key && s.Status == StatusActive {
			return copySchema(s), nil
		}
	}
	return nil, fmt.Errorf("no active schema for %s: %w", key, apperr.ErrNotFound)
}

func (m *mockRepo) activeCount(lineage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.records {
		if s.Lineage() == lineage && s.Status == StatusActive {
			n++
		}
	}
	return n
}

type staticLibrary struct {
	mu  sync.Mutex
	lib elementlib.Library
}

func (s *staticLibrary) Snapshot(_ context.Context) (elementlib.Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lib, nil
}

type mockRecorder struct {
	mu     sync.Mutex
	inputs []audittrail.RecordInput
}

func (m *mockRecorder) Record(_ context.Context, in audittrail.RecordInput) (*audittrail.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	return &audittrail.Entry{}, nil
}

func (m *mockRecorder) actions(id uuid.UUID) []audittrail.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audittrail.Action
	for _, in := range m.inputs {
		if in.EntityID == id.String() {
			out = append(out, in.Action)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	repo  *mockRepo
	lib   *staticLibrary
	audit *mockRecorder
}

func newFixture() *fixture {
	repo := newMockRepo()
	lib := &staticLibrary{lib: testLibrary()}
	audit := &mockRecorder{}
	return &fixture{
		svc:   NewService(repo, NewResolver(lib), audit, zerolog.Nop()),
		repo:  repo,
		lib:   lib,
		audit: audit,
	}
}

func draftSteps() []DraftStep {
	return []DraftStep{{
		ID: "step-1", Title: "Personal", Order: 1,
		Sections: []DraftSection{{
			ID: "sec-1", Title: "Identity", Order: 1,
			Elements: []SectionEntry{ElementEntry("element-name-basic"), FieldEntry(notesField())},
		}},
	}}
}

func (f *fixture) create(t *testing.T, unit string, admissionType *string) *FormSchema {
	t.Helper()
	fs, err := f.svc.CreateDraft(context.Background(), CreateDraftInput{
		Unit: unit, AdmissionType: admissionType, Name: "Intake", Steps: draftSteps(),
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return fs
}

func strPtr(s string) *string { return &s }

func TestCreateDraft_VersionsPerLineage(t *testing.T) {
	f := newFixture()
	a := f.create(t, "detox", nil)
	b := f.create(t, "detox", nil)
	c := f.create(t, "detox", strPtr("returning"))
	d := f.create(t, "alcohol", nil)

	if a.Version != 1 || b.Version != 2 || c.Version != 1 || d.Version != 1 {
		t.Errorf("unexpected versions %d %d %d %d", a.Version, b.Version, c.Version, d.Version)
	}
	if a.Status != StatusDraft {
		t.Errorf("expected draft, got %s", a.Status)
	}
	if n := len(a.Steps[0].Sections[0].Fields); n != 3 {
		t.Errorf("expected 3 resolved fields, got %d", n)
	}
	if got := f.audit.actions(a.ID); len(got) != 1 || got[0] != audittrail.ActionCreate {
		t.Errorf("expected Create audit entry, got %v", got)
	}
}

func TestCreateDraft_Validation(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateDraft(context.Background(), CreateDraftInput{})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || len(verr.Errors) != 2 {
		t.Fatalf("expected two validation errors, got %v", err)
	}
}

func TestCreateDraft_VersionNotReusedAfterDelete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, "detox", nil)
	second := f.create(t, "detox", nil)
	if err := f.svc.Delete(ctx, second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	third := f.create(t, "detox", nil)
	if third.Version != 3 {
		t.Errorf("expected version 3, got %d", third.Version)
	}
}

func TestPublish_DemotesPreviousActive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	v2 := f.create(t, "detox", nil)

	if _, err := f.svc.Publish(ctx, v1.ID); err != nil {
		t.Fatalf("publish v1: %v", err)
	}
	published, err := f.svc.Publish(ctx, v2.ID)
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	if published.Status != StatusActive || published.PublishedAt == nil {
		t.Errorf("expected v2 active, got %s", published.Status)
	}

	old, _ := f.svc.Get(ctx, v1.ID)
	if old.Status != StatusArchived || old.ArchivedAt == nil {
		t.Errorf("expected v1 archived, got %s", old.Status)
	}
	if n := f.repo.activeCount("detox"); n != 1 {
		t.Errorf("expected exactly one active version, got %d", n)
	}

	active, err := f.svc.ActiveFor(ctx, "detox", nil)
	if err != nil || active.ID != v2.ID {
		t.Errorf("expected v2 active, got %v %v", active, err)
	}

	if got := f.audit.actions(v1.ID); got[len(got)-1] != audittrail.ActionArchive {
		t.Errorf("expected Archive audit for v1, got %v", got)
	}
	if got := f.audit.actions(v2.ID); got[len(got)-1] != audittrail.ActionPublish {
		t.Errorf("expected Publish audit for v2, got %v", got)
	}
}

func TestPublish_OtherLineagesUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	detox := f.create(t, "detox", nil)
	returning := f.create(t, "detox", strPtr("returning"))
	_, _ = f.svc.Publish(ctx, detox.ID)
	_, _ = f.svc.Publish(ctx, returning.ID)

	got, _ := f.svc.Get(ctx, detox.ID)
	if got.Status != StatusActive {
		t.Errorf("publishing another admission type must not demote, got %s", got.Status)
	}
}

func TestPublish_NonDraft(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	_, _ = f.svc.Publish(ctx, v1.ID)

	_, err := f.svc.Publish(ctx, v1.ID)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.Publish(ctx, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPublish_ConcurrentKeepsSingleActive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		ids = append(ids, f.create(t, "detox", nil).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, _ = f.svc.Publish(ctx, id)
		}(id)
	}
	wg.Wait()

	if n := f.repo.activeCount("detox"); n != 1 {
		t.Errorf("expected exactly one active version, got %d", n)
	}
}

func TestPublish_ResolvesAgainstCurrentLibrary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)

	f.lib.mu.Lock()
	el := &f.lib.lib.Categories[0].Elements[0]
	el.Fields = append(elementlib.CloneFields(el.Fields), elementlib.Field{
		ID: "middleName", FieldName: "middleName", Label: "Middle Name", Type: "text",
	})
	f.lib.mu.Unlock()

	published, err := f.svc.Publish(ctx, v1.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := len(published.Steps[0].Sections[0].Fields); n != 4 {
		t.Errorf("expected 4 fields after re-resolution, got %d", n)
	}
}

func TestUpdateDraft(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)

	name := "Detox Intake v1"
	steps := []DraftStep{{Title: "Only", Sections: []DraftSection{{
		Title: "Birth", Elements: []SectionEntry{ElementEntry("element-dob")},
	}}}}
	updated, err := f.svc.UpdateDraft(ctx, v1.ID, UpdateDraftInput{Name: &name, Steps: steps})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name || updated.Steps[0].Sections[0].Fields[0].FieldName != "dateOfBirth" {
		t.Errorf("unexpected update result %+v", updated)
	}

	_, _ = f.svc.Publish(ctx, v1.ID)
	_, err = f.svc.UpdateDraft(ctx, v1.ID, UpdateDraftInput{Name: &name})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestDuplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	_, _ = f.svc.Publish(ctx, v1.ID)

	dup, err := f.svc.Duplicate(ctx, v1.ID, "Intake (copy)")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.Status != StatusDraft || dup.Version != 2 || dup.Name != "Intake (copy)" {
		t.Errorf("unexpected duplicate %+v", dup)
	}
	if dup.PreviousVersionID == nil || *dup.PreviousVersionID != v1.ID {
		t.Error("expected previous version id set")
	}
	if d := versiondiff.Compare(Snapshot(v1.Steps), Snapshot(dup.Steps)); len(d) != 0 {
		t.Errorf("expected identical steps, got %v", d)
	}
	if n := f.repo.activeCount("detox"); n != 1 {
		t.Errorf("duplicate must not change the active version")
	}
}

func TestDelete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	_, _ = f.svc.Publish(ctx, v1.ID)

	if err := f.svc.Delete(ctx, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	f.svc.SetProtectActive(true)
	if err := f.svc.Delete(ctx, v1.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState with protection on, got %v", err)
	}

	f.svc.SetProtectActive(false)
	if err := f.svc.Delete(ctx, v1.ID); err != nil {
		t.Errorf("expected delete to succeed, got %v", err)
	}
	if _, err := f.svc.Get(ctx, v1.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected deleted schema gone, got %v", err)
	}
}

func TestDiff(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	v2, _ := f.svc.Duplicate(ctx, v1.ID, "")

	steps := draftSteps()
	steps[0].Sections[0].Elements = append(steps[0].Sections[0].Elements, ElementEntry("element-dob"))
	steps[0].Sections[0].Elements[1].Field.Label = "Additional Notes"
	if _, err := f.svc.UpdateDraft(ctx, v2.ID, UpdateDraftInput{Steps: steps}); err != nil {
		t.Fatalf("update: %v", err)
	}

	d, err := f.svc.Diff(ctx, v1.ID, v2.ID)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(d) != 1 || d[0].SectionName != "Identity" {
		t.Fatalf("unexpected diff %+v", d)
	}
	got := map[string]versiondiff.ChangeType{}
	for _, fc := range d[0].Fields {
		got[fc.FieldName] = fc.ChangeType
	}
	if got["dateOfBirth"] != versiondiff.ChangeAdded || got["notes"] != versiondiff.ChangeModified || len(got) != 2 {
		t.Errorf("unexpected changes %v", got)
	}

	if _, err := f.svc.Diff(ctx, v1.ID, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	_, _ = f.svc.Publish(ctx, v1.ID)
	v2, _ := f.svc.Duplicate(ctx, v1.ID, "")
	steps := draftSteps()
	steps[0].Sections[0].Elements = append(steps[0].Sections[0].Elements, ElementEntry("element-dob"))
	_, _ = f.svc.UpdateDraft(ctx, v2.ID, UpdateDraftInput{Steps: steps})
	_, _ = f.svc.Publish(ctx, v2.ID)

	hist, err := f.svc.History(ctx, "detox", nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Version != 2 || hist[1].Version != 1 {
		t.Fatalf("expected newest first, got %+v", hist)
	}
	if hist[0].ChangesCount != 1 || hist[0].Changes.Added != 1 || hist[0].Status != StatusActive {
		t.Errorf("unexpected v2 summary %+v", hist[0])
	}
	if hist[1].ChangesCount != 0 || hist[1].Status != StatusArchived {
		t.Errorf("unexpected v1 summary %+v", hist[1])
	}
}

func TestListByUnit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v1 := f.create(t, "detox", nil)
	f.create(t, "detox", nil)
	f.create(t, "alcohol", nil)
	_, _ = f.svc.Publish(ctx, v1.ID)

	all, _ := f.svc.ListByUnit(ctx, "detox", "")
	if len(all) != 2 {
		t.Errorf("expected 2, got %d", len(all))
	}
	active, _ := f.svc.ListByUnit(ctx, "detox", StatusActive)
	if len(active) != 1 || active[0].ID != v1.ID {
		t.Errorf("unexpected active list %v", active)
	}
	if _, err := f.svc.ListByUnit(ctx, "detox", "bogus"); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("expected validation error, got %v", err)
	}
}
