package elementlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acutis/intake/internal/domain/audittrail"
	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/auth"
)

const entityName = "custom_elements"

// popularIDs is the curated shortlist offered first in the form designer.
var popularIDs = []string{
	"element-name-basic",
	"element-contact-basic",
	"element-dob",
	"element-address-irish",
	"element-emergency-contact",
	"element-medications",
	"element-allergies",
	"element-treatment-consent",
	"element-privacy-consent",
	"element-session-details",
}

type Service struct {
	catalog *Catalog
	custom  CustomElementRepository
	audit   audittrail.Recorder
	logger  zerolog.Logger
}

func NewService(catalog *Catalog, custom CustomElementRepository, audit audittrail.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		catalog: catalog,
		custom:  custom,
		audit:   audit,
		logger:  logger.With().Str("component", "elementlib").Logger(),
	}
}

func (s *Service) Categories(_ context.Context) []Category {
	out := make([]Category, len(s.catalog.Categories))
	for i, c := range s.catalog.Categories {
		out[i] = cloneCategory(c)
	}
	return out
}

func (s *Service) Category(_ context.Context, id string) (*Category, error) {
	for _, c := range s.catalog.Categories {
		if c.ID == id {
			cc := cloneCategory(c)
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("category %s: %w", id, apperr.ErrNotFound)
}

// Element looks in the catalog first, then in the custom elements.
func (s *Service) Element(ctx context.Context, id string) (*Element, error) {
	if e, ok := s.catalogElement(id); ok {
		return &e, nil
	}
	return s.custom.GetByID(ctx, id)
}

// Elements returns the elements for ids in the order given. Ids that do not
// resolve are skipped.
func (s *Service) Elements(ctx context.Context, ids []string) ([]Element, error) {
	lib, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(ids))
	for _, id := range ids {
		if e, ok := lib.Lookup(id); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Search matches query case-insensitively against name, description and id.
// An empty query returns everything.
func (s *Service) Search(ctx context.Context, query string) ([]Element, error) {
	lib, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := []Element{}
	for _, c := range lib.Categories {
		for _, e := range c.Elements {
			if matches(e, q) {
				out = append(out, e)
			}
		}
	}
	for _, e := range lib.CustomElements {
		if matches(e, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) ElementsByCategory(ctx context.Context, categoryID string) ([]Element, error) {
	lib, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []Element{}
	for _, c := range lib.Categories {
		if c.ID == categoryID {
			out = append(out, c.Elements...)
		}
	}
	for _, e := range lib.CustomElements {
		if e.CategoryID == categoryID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Popular returns up to limit elements from the curated list. A limit <= 0
// means the whole list.
func (s *Service) Popular(ctx context.Context, limit int) ([]Element, error) {
	ids := popularIDs
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return s.Elements(ctx, ids)
}

// AddCustomElement validates draft and stores it as a custom element. An id
// is generated when the draft has none.
func (s *Service) AddCustomElement(ctx context.Context, draft Element) (*Element, error) {
	e := draft.Clone()
	if e.ID == "" {
		e.ID = "custom-" + uuid.NewString()
	}
	if res := Validate(e); !res.Valid {
		return nil, apperr.NewValidationError("element "+e.ID, res.Errors...)
	}
	if _, ok := s.catalogElement(e.ID); ok {
		return nil, fmt.Errorf("element %s is a catalog element: %w", e.ID, apperr.ErrInvalidState)
	}
	e.Custom = true
	if e.CategoryID == "" {
		e.CategoryID = CustomCategoryID
	}
	if e.CreatedBy == "" {
		e.CreatedBy = auth.UserIDFromContext(ctx)
	}

	if err := s.custom.Create(ctx, &e); err != nil {
		return nil, err
	}
	s.record(ctx, e.ID, audittrail.ActionCreate, nil, e)
	s.logger.Info().Str("element_id", e.ID).Str("name", e.Name).Msg("custom element added")
	return &e, nil
}

// RemoveCustomElement deletes a custom element. Catalog elements cannot be
// removed.
func (s *Service) RemoveCustomElement(ctx context.Context, id string) error {
	if _, ok := s.catalogElement(id); ok {
		return fmt.Errorf("element %s is a catalog element and cannot be removed: %w", id, apperr.ErrInvalidState)
	}
	existing, err := s.custom.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.custom.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, id, audittrail.ActionDelete, existing, nil)
	return nil
}

// CloneElement copies the fields of an existing element into a new custom
// element. The source is left untouched.
func (s *Service) CloneElement(ctx context.Context, id, newName string) (*Element, error) {
	src, err := s.Element(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(newName) == "" {
		newName = src.Name + " (copy)"
	}
	return s.AddCustomElement(ctx, Element{
		Name:            newName,
		Description:     "Customized from: " + src.Name,
		CategoryID:      CustomCategoryID,
		Fields:          CloneFields(src.Fields),
		SourceElementID: src.ID,
	})
}

// Validate checks the structural requirements an element must meet before
// it can enter the library.
func Validate(e Element) ValidationResult {
	errs := []string{}
	if e.ID == "" {
		errs = append(errs, "Element must have an ID")
	}
	if e.Name == "" {
		errs = append(errs, "Element must have a name")
	}
	if e.Fields == nil {
		errs = append(errs, "Element must have fields array")
	}
	for _, f := range e.Fields {
		if f.ID == "" {
			errs = append(errs, "Field missing ID")
		}
		if f.Type == "" {
			errs = append(errs, "Field missing type: "+f.ID)
		}
		if f.Label == "" {
			errs = append(errs, "Field missing label: "+f.ID)
		}
		if f.Required == nil {
			errs = append(errs, "Field missing required flag: "+f.ID)
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Snapshot returns a deep copy of the whole library. Callers may keep and
// modify it freely.
func (s *Service) Snapshot(ctx context.Context) (Library, error) {
	custom, err := s.custom.List(ctx)
	if err != nil {
		return Library{}, fmt.Errorf("list custom elements: %w", err)
	}
	lib := Library{
		Version:        s.catalog.Version,
		LastUpdated:    s.catalog.LastUpdated,
		Categories:     s.Categories(ctx),
		CustomElements: make([]Element, 0, len(custom)),
	}
	for _, e := range custom {
		lib.CustomElements = append(lib.CustomElements, e.Clone())
		if e.CreatedAt != nil && e.CreatedAt.After(lib.LastUpdated) {
			lib.LastUpdated = *e.CreatedAt
		}
	}
	return lib, nil
}

func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	custom, err := s.custom.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list custom elements: %w", err)
	}
	st := &Statistics{
		CustomElements:  len(custom),
		CategoriesCount: len(s.catalog.Categories),
		ByCategory:      make(map[string]int, len(s.catalog.Categories)),
	}
	for _, c := range s.catalog.Categories {
		st.ByCategory[c.Name] = len(c.Elements)
		st.TotalElements += len(c.Elements)
	}
	st.TotalElements += len(custom)
	return st, nil
}

func (s *Service) catalogElement(id string) (Element, bool) {
	for _, c := range s.catalog.Categories {
		for _, e := range c.Elements {
			if e.ID == id {
				return e.Clone(), true
			}
		}
	}
	return Element{}, false
}

func (s *Service) record(ctx context.Context, id string, action audittrail.Action, before, after interface{}) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, audittrail.RecordInput{
		EntityName: entityName,
		EntityID:   id,
		Action:     action,
		KeyValues:  map[string]interface{}{"id": id},
		Before:     before,
		After:      after,
	}); err != nil {
		s.logger.Error().Err(err).Str("element_id", id).Msg("failed to record audit entry")
	}
}

func cloneCategory(c Category) Category {
	out := c
	out.Elements = make([]Element, len(c.Elements))
	for i, e := range c.Elements {
		out.Elements[i] = e.Clone()
	}
	return out
}

// matches expects q already lower-cased.
func matches(e Element, q string) bool {
	return q == "" ||
		strings.Contains(strings.ToLower(e.Name), q) ||
		strings.Contains(strings.ToLower(e.Description), q) ||
		strings.Contains(strings.ToLower(e.ID), q)
}
