package formschema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/acutis/intake/internal/domain/audittrail"
	"github.com/acutis/intake/internal/domain/versiondiff"
	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/auth"
	"github.com/acutis/intake/internal/platform/metrics"
)

const (
	entityName = "form_schemas"

	historyWorkers = 4
)

type Service struct {
	repo          Repository
	resolver      Resolver
	audit         audittrail.Recorder
	logger        zerolog.Logger
	cache         *ResolvedCache
	metrics       *metrics.Metrics
	protectActive bool
}

func NewService(repo Repository, resolver Resolver, audit audittrail.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		audit:    audit,
		logger:   logger.With().Str("component", "formschema").Logger(),
	}
}

// SetCache attaches a resolved-schema cache. A nil cache disables caching.
func (s *Service) SetCache(c *ResolvedCache) { s.cache = c }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetProtectActive makes Delete refuse active versions.
func (s *Service) SetProtectActive(on bool) { s.protectActive = on }

func (s *Service) CreateDraft(ctx context.Context, in CreateDraftInput) (*FormSchema, error) {
	var problems []string
	if strings.TrimSpace(in.Unit) == "" {
		problems = append(problems, "unit is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(problems) > 0 {
		return nil, apperr.NewValidationError("schema", problems...)
	}
	if in.AdmissionType != nil && *in.AdmissionType == "" {
		in.AdmissionType = nil
	}
	if in.FormType == "" {
		in.FormType = "admission"
	}

	draft := cloneDraft(in.Steps)
	if draft == nil {
		draft = []DraftStep{}
	}
	steps, err := s.resolve(ctx, draft)
	if err != nil {
		return nil, err
	}

	fs := &FormSchema{
		ID:            uuid.New(),
		Name:          in.Name,
		Description:   in.Description,
		Unit:          in.Unit,
		AdmissionType: in.AdmissionType,
		FormType:      in.FormType,
		Status:        StatusDraft,
		Draft:         draft,
		Steps:         steps,
		CreatedBy:     auth.UserIDFromContext(ctx),
	}
	if err := s.repo.Create(ctx, fs); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s.record(ctx, fs.ID, audittrail.ActionCreate, nil, fs)
	s.logger.Info().
		Str("schema_id", fs.ID.String()).
		Str("lineage", fs.Lineage()).
		Int("version", fs.Version).
		Msg("schema draft created")
	return fs, nil
}

func (s *Service) UpdateDraft(ctx context.Context, id uuid.UUID, in UpdateDraftInput) (*FormSchema, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusDraft {
		return nil, fmt.Errorf("schema %s is %s, not draft: %w", id, current.Status, apperr.ErrInvalidState)
	}

	updated := *current
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.NewValidationError("schema "+id.String(), "name is required")
		}
		updated.Name = *in.Name
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.Steps != nil {
		updated.Draft = cloneDraft(in.Steps)
	}
	if updated.Steps, err = s.resolve(ctx, updated.Draft); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateDraft(ctx, &updated); err != nil {
		return nil, err
	}
	s.record(ctx, id, audittrail.ActionUpdate, current, &updated)
	return &updated, nil
}

// Publish activates a draft. The previously active version of the same
// lineage, if any, is archived in the same transaction.
func (s *Service) Publish(ctx context.Context, id uuid.UUID) (*FormSchema, error) {
	ctx, span := tracer.Start(ctx, "formschema.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("formschema.id", id.String()))

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusDraft {
		return nil, fmt.Errorf("schema %s is %s, not draft: %w", id, current.Status, apperr.ErrInvalidState)
	}

	// Resolve once more so the stored version reflects the library as it is
	// at publish time.
	steps, err := s.resolve(ctx, current.Draft)
	if err != nil {
		return nil, err
	}
	if !versiondiff.Equal(steps, current.Steps) {
		refreshed := *current
		refreshed.Steps = steps
		if err := s.repo.UpdateDraft(ctx, &refreshed); err != nil {
			return nil, err
		}
	}

	res, err := s.repo.Activate(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrConflictingActiveVersion) {
			s.metrics.PublishConflict()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "activate failed")
		return nil, err
	}

	s.cache.Invalidate(ctx, append([]uuid.UUID{id}, res.Demoted...)...)
	s.metrics.SchemaPublished(res.Schema.Unit, len(res.Demoted))
	span.SetAttributes(attribute.Int("formschema.demoted", len(res.Demoted)))

	s.record(ctx, id, audittrail.ActionPublish,
		map[string]interface{}{"status": string(StatusDraft)},
		map[string]interface{}{"status": string(StatusActive), "version": res.Schema.Version})
	for _, d := range res.Demoted {
		s.record(ctx, d, audittrail.ActionArchive,
			map[string]interface{}{"status": string(StatusActive)},
			map[string]interface{}{"status": string(StatusArchived), "replaced_by": id.String()})
	}

	s.logger.Info().
		Str("schema_id", id.String()).
		Str("lineage", res.Schema.Lineage()).
		Int("version", res.Schema.Version).
		Int("demoted", len(res.Demoted)).
		Msg("schema published")
	return res.Schema, nil
}

// Duplicate copies a version into a new draft of the same lineage.
func (s *Service) Duplicate(ctx context.Context, id uuid.UUID, newName string) (*FormSchema, error) {
	src, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(newName) == "" {
		newName = src.Name
	}
	srcID := src.ID
	fs := &FormSchema{
		ID:                uuid.New(),
		Name:              newName,
		Description:       src.Description,
		Unit:              src.Unit,
		AdmissionType:     src.AdmissionType,
		FormType:          src.FormType,
		Status:            StatusDraft,
		Draft:             cloneDraft(src.Draft),
		Steps:             cloneSteps(src.Steps),
		PreviousVersionID: &srcID,
		CreatedBy:         auth.UserIDFromContext(ctx),
	}
	if err := s.repo.Create(ctx, fs); err != nil {
		return nil, fmt.Errorf("duplicate schema %s: %w", id, err)
	}
	s.record(ctx, fs.ID, audittrail.ActionCreate, nil, fs)
	s.logger.Info().
		Str("schema_id", fs.ID.String()).
		Str("source_id", id.String()).
		Int("version", fs.Version).
		Msg("schema duplicated")
	return fs, nil
}

// Delete removes a version. Sessions already bound to it keep their
// reference; active versions are only protected when SetProtectActive is on.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s.protectActive && current.Status == StatusActive {
		return fmt.Errorf("schema %s is active and cannot be deleted: %w", id, apperr.ErrInvalidState)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, id)
	s.record(ctx, id, audittrail.ActionDelete, current, nil)
	if current.Status == StatusActive {
		s.logger.Warn().Str("schema_id", id.String()).Str("lineage", current.Lineage()).
			Msg("active schema deleted; lineage has no active version")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*FormSchema, error) {
	if cached, ok := s.cache.Get(ctx, id); ok {
		return cached, nil
	}
	fs, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, fs)
	return fs, nil
}

func (s *Service) ListByUnit(ctx context.Context, unit string, status Status) ([]*FormSchema, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.NewValidationError("schema filter", fmt.Sprintf("unknown status %q", status))
	}
	return s.repo.ListByUnit(ctx, unit, status)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*FormSchema, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.NewValidationError("schema filter", fmt.Sprintf("unknown status %q", f.Status))
	}
	return s.repo.List(ctx, f, limit, offset)
}

// ActiveFor returns the active version for a unit and admission type.
func (s *Service) ActiveFor(ctx context.Context, unit string, admissionType *string) (*FormSchema, error) {
	if admissionType != nil && *admissionType == "" {
		admissionType = nil
	}
	return s.repo.ActiveFor(ctx, unit, admissionType)
}

// Diff compares two versions field by field. oldID is the baseline.
// Loads run one after the other since a request's tenant connection cannot
// serve concurrent queries.
func (s *Service) Diff(ctx context.Context, oldID, newID uuid.UUID) (versiondiff.Diff, error) {
	older, err := s.Get(ctx, oldID)
	if err != nil {
		return nil, err
	}
	newer, err := s.Get(ctx, newID)
	if err != nil {
		return nil, err
	}
	return versiondiff.Compare(Snapshot(older.Steps), Snapshot(newer.Steps)), nil
}

// History returns the versions of a lineage newest first, each with the
// changes it made relative to the version before it.
func (s *Service) History(ctx context.Context, unit string, admissionType *string) ([]VersionSummary, error) {
	if admissionType != nil && *admissionType == "" {
		admissionType = nil
	}
	versions, err := s.repo.ListLineage(ctx, unit, admissionType)
	if err != nil {
		return nil, err
	}

	snaps := make([]versiondiff.Snapshot, len(versions))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(historyWorkers)
	for i, v := range versions {
		i, steps := i, v.Steps
		g.Go(func() error {
			snaps[i] = Snapshot(steps)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]VersionSummary, len(versions))
	for i, v := range versions {
		var sum versiondiff.Summary
		if i > 0 {
			sum = versiondiff.Summarize(versiondiff.Compare(snaps[i-1], snaps[i]))
		}
		out[len(versions)-1-i] = VersionSummary{
			ID:           v.ID,
			Name:         v.Name,
			Version:      v.Version,
			Status:       v.Status,
			CreatedBy:    v.CreatedBy,
			CreatedAt:    v.CreatedAt,
			UpdatedAt:    v.UpdatedAt,
			PublishedAt:  v.PublishedAt,
			ArchivedAt:   v.ArchivedAt,
			ChangesCount: sum.Total,
			Changes:      sum,
		}
	}
	return out, nil
}

// Preview resolves a draft without storing anything.
func (s *Service) Preview(ctx context.Context, draft []DraftStep) ([]Step, []string, error) {
	return s.resolver.Resolve(ctx, draft)
}

func (s *Service) resolve(ctx context.Context, draft []DraftStep) ([]Step, error) {
	steps, unknown, err := s.resolver.Resolve(ctx, draft)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		s.logger.Warn().Strs("element_ids", unknown).Msg("schema references unknown elements")
	}
	return steps, nil
}

func (s *Service) record(ctx context.Context, id uuid.UUID, action audittrail.Action, before, after interface{}) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, audittrail.RecordInput{
		EntityName: entityName,
		EntityID:   id.String(),
		Action:     action,
		KeyValues:  map[string]interface{}{"id": id.String()},
		Before:     before,
		After:      after,
	}); err != nil {
		s.logger.Error().Err(err).Str("schema_id", id.String()).Msg("failed to record audit entry")
	}
}
