package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/acutis/intake/internal/domain/audittrail"
	"github.com/acutis/intake/internal/domain/formschema"
	"github.com/acutis/intake/internal/domain/versiondiff"
	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/auth"
	"github.com/acutis/intake/internal/platform/metrics"
)

const (
	admissionEntity = "admissions"
	sessionEntity   = "intake_sessions"

	// fallbackSection holds session fields that no section of the bound
	// schema declares.
	fallbackSection = "Intake"

	defaultActivityLimit = 10
	maxActivityLimit     = 100
	historyPageSize      = 200
)

var tracer = otel.Tracer("github.com/acutis/intake/internal/domain/intake")

// SchemaSource is the part of the schema version manager sessions need.
type SchemaSource interface {
	ActiveFor(ctx context.Context, unit string, admissionType *string) (*formschema.FormSchema, error)
	Get(ctx context.Context, id uuid.UUID) (*formschema.FormSchema, error)
}

// AuditHistory reads back what the audit trail recorded for an entity.
type AuditHistory interface {
	History(ctx context.Context, entityName, entityID string, limit, offset int) ([]*audittrail.Entry, int, error)
}

// TxRunner runs fn inside a transaction carried by the context it passes on.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type Service struct {
	admissions AdmissionRepository
	sessions   SessionRepository
	activity   ActivityRepository
	schemas    SchemaSource
	audit      audittrail.Recorder
	history    AuditHistory
	runInTx    TxRunner
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(admissions AdmissionRepository, sessions SessionRepository, activity ActivityRepository,
	schemas SchemaSource, audit audittrail.Recorder, history AuditHistory, logger zerolog.Logger) *Service {
	return &Service{
		admissions: admissions,
		sessions:   sessions,
		activity:   activity,
		schemas:    schemas,
		audit:      audit,
		history:    history,
		runInTx:    noTx,
		logger:     logger.With().Str("component", "intake").Logger(),
		now:        time.Now,
	}
}

// SetTxRunner makes multi-row operations atomic. Without one each repository
// call commits on its own.
func (s *Service) SetTxRunner(fn TxRunner) {
	if fn == nil {
		fn = noTx
	}
	s.runInTx = fn
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// =========== Admissions ===========

func (s *Service) CreateAdmission(ctx context.Context, in CreateAdmissionInput) (*Admission, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Unit = strings.TrimSpace(in.Unit)

	var problems []string
	if in.FirstName == "" {
		problems = append(problems, "first_name is required")
	}
	if in.LastName == "" {
		problems = append(problems, "last_name is required")
	}
	if in.Unit == "" {
		problems = append(problems, "unit is required")
	}
	if len(problems) > 0 {
		return nil, apperr.NewValidationError("admission", problems...)
	}
	if in.AdmissionType != nil && *in.AdmissionType == "" {
		in.AdmissionType = nil
	}

	a := &Admission{
		ID:                 uuid.New(),
		FirstName:          in.FirstName,
		LastName:           in.LastName,
		Status:             StatusExpected,
		Unit:               in.Unit,
		AdmissionType:      in.AdmissionType,
		ExpectedTime:       in.ExpectedTime,
		PhoneEvalCompleted: in.PhoneEvalCompleted,
		IsReturning:        in.IsReturning,
		Notes:              in.Notes,
	}
	err := s.runInTx(ctx, func(ctx context.Context) error {
		if err := s.admissions.Create(ctx, a); err != nil {
			return fmt.Errorf("create admission: %w", err)
		}
		return s.addActivity(ctx, ActivityAdmissionCreated, a.ID, "New admission created for "+a.FullName())
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, admissionEntity, a.ID, audittrail.ActionCreate, nil, a)
	s.logger.Info().Str("admission_id", a.ID.String()).Str("unit", a.Unit).Msg("admission created")
	return a, nil
}

func (s *Service) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.admissions.GetByID(ctx, id)
}

func (s *Service) ListAdmissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*Admission, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.NewValidationError("admission filter", fmt.Sprintf("unknown status %q", f.Status))
	}
	return s.admissions.List(ctx, f, limit, offset)
}

// MarkArrived records that an expected resident is on site.
func (s *Service) MarkArrived(ctx context.Context, id uuid.UUID) (*Admission, error) {
	current, err := s.admissions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusExpected {
		return nil, fmt.Errorf("admission %s is %s, not expected: %w", id, current.Status, apperr.ErrInvalidState)
	}

	var updated *Admission
	err = s.runInTx(ctx, func(ctx context.Context) error {
		var err error
		if updated, err = s.admissions.UpdateStatus(ctx, id, StatusArrived, s.now()); err != nil {
			return err
		}
		return s.addActivity(ctx, ActivityAdmissionUpdated, id, updated.FullName()+" has arrived")
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, admissionEntity, id, audittrail.ActionUpdate,
		map[string]interface{}{"status": string(current.Status)},
		map[string]interface{}{"status": string(updated.Status), "arrived_at": updated.ArrivedAt})
	return updated, nil
}

// Stats counts the dashboard figures for the calendar day containing day.
// A zero day means today.
func (s *Service) Stats(ctx context.Context, day time.Time) (*Stats, error) {
	if day.IsZero() {
		day = s.now()
	}
	start, end := dayBounds(day)
	return s.admissions.Stats(ctx, start, end)
}

// CompleteAdmission closes the open session, if any, and the admission
// together.
func (s *Service) CompleteAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	current, err := s.admissions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCompleted {
		return nil, fmt.Errorf("admission %s is already completed: %w", id, apperr.ErrInvalidState)
	}

	at := s.now()
	var (
		updated   *Admission
		sessionID *uuid.UUID
	)
	err = s.runInTx(ctx, func(ctx context.Context) error {
		open, err := s.sessions.OpenForAdmission(ctx, id)
		switch {
		case err == nil:
			if err := s.sessions.Complete(ctx, open.ID, at); err != nil {
				return err
			}
			sessionID = &open.ID
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		if updated, err = s.admissions.UpdateStatus(ctx, id, StatusCompleted, at); err != nil {
			return err
		}
		return s.addActivity(ctx, ActivityAdmissionCompleted, id, "New admission completed for "+updated.FullName())
	})
	if err != nil {
		return nil, err
	}

	after := map[string]interface{}{"status": string(StatusCompleted), "completed_at": at}
	if sessionID != nil {
		after["session_id"] = sessionID.String()
	}
	s.record(ctx, admissionEntity, id, audittrail.ActionComplete,
		map[string]interface{}{"status": string(current.Status)}, after)
	s.metrics.AdmissionCompleted()
	s.logger.Info().Str("admission_id", id.String()).Bool("had_session", sessionID != nil).Msg("admission completed")
	return updated, nil
}

// RecentActivity returns the newest dashboard events. A non-positive limit
// yields the default of 10.
func (s *Service) RecentActivity(ctx context.Context, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	return s.activity.Recent(ctx, limit)
}

// =========== Sessions ===========

// StartSession opens an intake session for the admission, bound to the
// schema version that is active for its unit and admission type. When a
// session is already open it is returned unchanged.
func (s *Service) StartSession(ctx context.Context, admissionID uuid.UUID) (*Session, error) {
	ctx, span := tracer.Start(ctx, "intake.StartSession")
	defer span.End()
	span.SetAttributes(attribute.String("intake.admission_id", admissionID.String()))

	sess, err := s.startSession(ctx, admissionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start session failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("intake.session_id", sess.ID.String()),
		attribute.String("intake.schema_id", sess.SchemaVersionID.String()),
	)
	return sess, nil
}

func (s *Service) startSession(ctx context.Context, admissionID uuid.UUID) (*Session, error) {
	adm, err := s.admissions.GetByID(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	if adm.Status == StatusCompleted {
		return nil, fmt.Errorf("admission %s is already completed: %w", admissionID, apperr.ErrInvalidState)
	}

	open, err := s.sessions.OpenForAdmission(ctx, admissionID)
	if err == nil {
		s.metrics.SessionStarted(true)
		return open, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	schema, err := s.activeSchema(ctx, adm)
	if err != nil {
		return nil, fmt.Errorf("no active schema for unit %s: %w", adm.Unit, err)
	}
	if schema.TotalSteps() == 0 {
		return nil, fmt.Errorf("schema %s has no steps: %w", schema.ID, apperr.ErrInvalidState)
	}

	sess := &Session{
		ID:              uuid.New(),
		AdmissionID:     admissionID,
		SchemaVersionID: schema.ID,
		CurrentStep:     1,
		TotalSteps:      schema.TotalSteps(),
		Data:            map[string]interface{}{},
	}
	err = s.runInTx(ctx, func(ctx context.Context) error {
		if err := s.sessions.Create(ctx, sess); err != nil {
			return err
		}
		if adm.Status.rank() < StatusInProgress.rank() {
			if _, err := s.admissions.UpdateStatus(ctx, admissionID, StatusInProgress, s.now()); err != nil {
				return err
			}
		}
		return s.addActivity(ctx, ActivityAdmissionStarted, admissionID, "Admission process started for "+adm.FullName())
	})
	if errors.Is(err, ErrOpenSessionExists) {
		// Another request started the session first; hand back its session.
		winner, rerr := s.sessions.OpenForAdmission(ctx, admissionID)
		if rerr != nil {
			return nil, rerr
		}
		s.metrics.SessionStarted(true)
		return winner, nil
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, sessionEntity, sess.ID, audittrail.ActionStart, nil, map[string]interface{}{
		"admission_id":      admissionID.String(),
		"schema_version_id": schema.ID.String(),
		"current_step":      sess.CurrentStep,
		"total_steps":       sess.TotalSteps,
	})
	s.metrics.SessionStarted(false)
	s.logger.Info().
		Str("admission_id", admissionID.String()).
		Str("session_id", sess.ID.String()).
		Str("schema_id", schema.ID.String()).
		Int("version", schema.Version).
		Msg("intake session started")
	return sess, nil
}

// activeSchema prefers a form published for the admission's type and falls
// back to the unit-wide form.
func (s *Service) activeSchema(ctx context.Context, adm *Admission) (*formschema.FormSchema, error) {
	if adm.AdmissionType == nil {
		return s.schemas.ActiveFor(ctx, adm.Unit, nil)
	}
	schema, err := s.schemas.ActiveFor(ctx, adm.Unit, adm.AdmissionType)
	if !errors.Is(err, apperr.ErrNotFound) {
		return schema, err
	}
	return s.schemas.ActiveFor(ctx, adm.Unit, nil)
}

// GetSession returns a session only if it belongs to the admission.
func (s *Service) GetSession(ctx context.Context, admissionID, sessionID uuid.UUID) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.AdmissionID != admissionID {
		return nil, fmt.Errorf("session %s for admission %s: %w", sessionID, admissionID, apperr.ErrNotFound)
	}
	return sess, nil
}

// UpdateSession moves the session to in.Step and merges in.Data into the
// collected data. Existing keys are overwritten, never removed.
func (s *Service) UpdateSession(ctx context.Context, admissionID, sessionID uuid.UUID, in UpdateSessionInput) (*Session, error) {
	current, err := s.GetSession(ctx, admissionID, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.Open() {
		return nil, fmt.Errorf("session %s is completed: %w", sessionID, apperr.ErrInvalidState)
	}

	step := current.CurrentStep
	if in.Step != nil {
		step = *in.Step
	}
	if step < 1 || step > current.TotalSteps {
		return nil, apperr.NewValidationError("session "+sessionID.String(),
			fmt.Sprintf("step %d is outside 1..%d", step, current.TotalSteps))
	}

	updated, err := s.sessions.MergeData(ctx, sessionID, step, in.Data)
	if err != nil {
		return nil, err
	}
	s.record(ctx, sessionEntity, sessionID, audittrail.ActionUpdate, current.Data, updated.Data)
	s.logger.Debug().
		Str("session_id", sessionID.String()).
		Int("step", step).
		Int("fields", len(in.Data)).
		Msg("intake session updated")
	return updated, nil
}

// SessionChanges replays the audited updates of a session, oldest first, as
// diffs grouped by the sections of the session's schema version.
func (s *Service) SessionChanges(ctx context.Context, admissionID, sessionID uuid.UUID) ([]SessionChange, error) {
	sess, err := s.GetSession(ctx, admissionID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return []SessionChange{}, nil
	}

	sections := map[string]string{}
	schema, err := s.schemas.Get(ctx, sess.SchemaVersionID)
	switch {
	case err == nil:
		sections = fieldSections(schema.Steps)
	case errors.Is(err, apperr.ErrNotFound):
		s.logger.Warn().Str("schema_id", sess.SchemaVersionID.String()).
			Msg("session schema no longer exists; grouping changes under one section")
	default:
		return nil, err
	}
	sectionOf := func(field string) string { return sections[field] }

	entries, err := s.allHistory(ctx, sessionEntity, sessionID.String())
	if err != nil {
		return nil, err
	}

	out := []SessionChange{}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Action != audittrail.ActionUpdate {
			continue
		}
		before, err := versiondiff.Normalize(e.OriginalValues)
		if err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		after, err := versiondiff.Normalize(e.CurrentValues)
		if err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		diff := versiondiff.Compare(
			versiondiff.Group(before, sectionOf, fallbackSection),
			versiondiff.Group(after, sectionOf, fallbackSection))
		if len(diff) == 0 {
			continue
		}
		out = append(out, SessionChange{
			EntryID:    e.ID,
			RecordedAt: e.CreatedAt,
			RecordedBy: e.CreatedBy,
			Changes:    diff,
		})
	}
	return out, nil
}

func (s *Service) allHistory(ctx context.Context, entity, id string) ([]*audittrail.Entry, error) {
	var all []*audittrail.Entry
	for offset := 0; ; offset += historyPageSize {
		page, total, err := s.history.History(ctx, entity, id, historyPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || len(all) >= total {
			return all, nil
		}
	}
}

// fieldSections maps each field key to the title of the first section that
// declares it.
func fieldSections(steps []formschema.Step) map[string]string {
	out := map[string]string{}
	for _, st := range steps {
		for _, sec := range st.Sections {
			for _, f := range sec.Fields {
				if _, seen := out[f.Key()]; !seen {
					out[f.Key()] = sec.Title
				}
			}
		}
	}
	return out
}

func (s *Service) addActivity(ctx context.Context, typ ActivityType, admissionID uuid.UUID, msg string) error {
	id := admissionID
	return s.activity.Create(ctx, &Activity{
		ID:          uuid.New(),
		Type:        typ,
		AdmissionID: &id,
		Message:     msg,
		Actor:       actor(ctx),
	})
}

func actor(ctx context.Context) string {
	if name := auth.UserNameFromContext(ctx); name != "" {
		return name
	}
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "system"
}

func (s *Service) record(ctx context.Context, entity string, id uuid.UUID, action audittrail.Action, before, after interface{}) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, audittrail.RecordInput{
		EntityName: entity,
		EntityID:   id.String(),
		Action:     action,
		KeyValues:  map[string]interface{}{"id": id.String()},
		Before:     before,
		After:      after,
	}); err != nil {
		s.logger.Error().Err(err).Str("entity", entity).Str("entity_id", id.String()).Msg("failed to record audit entry")
	}
}
