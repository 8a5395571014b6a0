package formschema

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores s as a new version of its lineage, assigning the next
	// version number. Numbers are never reused, even after a delete.
	Create(ctx context.Context, s *FormSchema) error
	GetByID(ctx context.Context, id uuid.UUID) (*FormSchema, error)
	// UpdateDraft rewrites name, description, draft and steps of a schema
	// that is still a draft.
	UpdateDraft(ctx context.Context, s *FormSchema) error
	// Activate makes a draft the active version of its lineage and archives
	// whatever was active before, atomically.
	Activate(ctx context.Context, id uuid.UUID) (*ActivationResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*FormSchema, int, error)
	ListByUnit(ctx context.Context, unit string, status Status) ([]*FormSchema, error)
	ListLineage(ctx context.Context, unit string, admissionType *string) ([]*FormSchema, error)
	ActiveFor(ctx context.Context, unit string, admissionType *string) (*FormSchema, error)
}
