package elementlib

import "context"

// CustomElementRepository stores staff-authored elements. Catalog elements
// never pass through it.
type CustomElementRepository interface {
	Create(ctx context.Context, e *Element) error
	GetByID(ctx context.Context, id string) (*Element, error)
	List(ctx context.Context) ([]*Element, error)
	Delete(ctx context.Context, id string) error
}
