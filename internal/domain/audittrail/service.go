package audittrail

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acutis/intake/internal/domain/versiondiff"
	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/auth"
	"github.com/acutis/intake/internal/platform/metrics"
	"github.com/acutis/intake/internal/platform/middleware"
)

// Recorder is the narrow interface the other domains depend on.
type Recorder interface {
	Record(ctx context.Context, in RecordInput) (*Entry, error)
}

type Service struct {
	repo       Repository
	publishers []Publisher
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger, m *metrics.Metrics, publishers ...Publisher) *Service {
	return &Service{
		repo:       repo,
		publishers: publishers,
		logger:     logger.With().Str("component", "audittrail").Logger(),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one entry. Publishing to the configured sinks happens after
// the entry is stored and never fails the call.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Entry, error) {
	var problems []string
	if in.EntityName == "" {
		problems = append(problems, "entity name is required")
	}
	if in.EntityID == "" {
		problems = append(problems, "entity id is required")
	}
	if !validActions[in.Action] {
		problems = append(problems, fmt.Sprintf("unknown action %q", in.Action))
	}
	if len(problems) > 0 {
		return nil, apperr.NewValidationError("audit entry", problems...)
	}

	e := &Entry{
		ID:         uuid.New(),
		EntityName: in.EntityName,
		EntityID:   in.EntityID,
		Action:     in.Action,
		CreatedAt:  s.now(),
		CreatedBy:  in.Actor,
	}
	if e.CreatedBy == "" {
		e.CreatedBy = auth.UserIDFromContext(ctx)
	}
	if e.CreatedBy == "" {
		e.CreatedBy = "system"
	}
	if cid := firstNonEmpty(in.CorrelationID, middleware.RequestIDFromContext(ctx)); cid != "" {
		e.CorrelationID = &cid
	}
	if ip := firstNonEmpty(in.IPAddress, middleware.RemoteIPFromContext(ctx)); ip != "" {
		e.IPAddress = &ip
	}

	var err error
	if e.KeyValues, err = encode(in.KeyValues); err != nil {
		return nil, fmt.Errorf("encode key values: %w", err)
	}
	if e.OriginalValues, err = encode(in.Before); err != nil {
		return nil, fmt.Errorf("encode original values: %w", err)
	}
	if e.CurrentValues, err = encode(in.After); err != nil {
		return nil, fmt.Errorf("encode current values: %w", err)
	}
	e.ChangedColumns = s.changedColumns(in)

	if err := s.repo.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	s.metrics.AuditEntryRecorded(e.EntityName, string(e.Action))

	for _, p := range s.publishers {
		if err := p.Publish(ctx, e); err != nil {
			s.metrics.AuditPublishFailure()
			s.logger.Warn().Err(err).
				Str("entry_id", e.ID.String()).
				Str("entity", e.EntityName).
				Msg("audit publish failed")
		}
	}
	return e, nil
}

// changedColumns merges caller-supplied columns with those derived from
// diffing Before against After. Derivation only happens when both sides
// normalize to JSON objects.
func (s *Service) changedColumns(in RecordInput) []string {
	set := make(map[string]struct{}, len(in.ChangedColumns))
	for _, c := range in.ChangedColumns {
		if c != "" {
			set[c] = struct{}{}
		}
	}

	if in.Before != nil && in.After != nil {
		before, errB := versiondiff.FromEntity(in.EntityName, in.Before)
		after, errA := versiondiff.FromEntity(in.EntityName, in.After)
		if errB == nil && errA == nil {
			derived := versiondiff.ChangedFields(versiondiff.Compare(before, after))
			var missed []string
			for _, c := range derived {
				if _, ok := set[c]; !ok {
					if len(in.ChangedColumns) > 0 {
						missed = append(missed, c)
					}
					set[c] = struct{}{}
				}
			}
			if len(missed) > 0 {
				s.logger.Warn().
					Str("entity", in.EntityName).
					Str("entity_id", in.EntityID).
					Strs("missed", missed).
					Msg("changed columns supplied by caller are incomplete")
			}
		}
	}

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (s *Service) History(ctx context.Context, entityName, entityID string, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByEntity(ctx, entityName, entityID, limit, offset)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// RecordAccess lets the access audit middleware write read events into the
// trail.
func (s *Service) RecordAccess(ctx context.Context, a middleware.AccessEntry) error {
	_, err := s.Record(ctx, RecordInput{
		EntityName: a.Resource,
		EntityID:   a.ResourceID,
		Action:     ActionAccess,
		KeyValues: map[string]interface{}{
			"path":   a.Path,
			"method": a.Method,
			"status": a.StatusCode,
		},
		Actor:         a.UserID,
		CorrelationID: a.RequestID,
		IPAddress:     a.IPAddress,
	})
	return err
}

// Close releases the publishers.
func (s *Service) Close() {
	for _, p := range s.publishers {
		p.Close()
	}
}

func encode(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
