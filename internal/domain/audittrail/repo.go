package audittrail

import (
	"context"

	"github.com/google/uuid"
)

// Repository is append-only: there is deliberately no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListByEntity(ctx context.Context, entityName, entityID string, limit, offset int) ([]*Entry, int, error)
}

// Publisher forwards recorded entries to an external stream.
type Publisher interface {
	Publish(ctx context.Context, e *Entry) error
	Close()
}
