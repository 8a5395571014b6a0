package formschema

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acutis/intake/internal/domain/elementlib"
)

var tracer trace.Tracer = otel.Tracer("github.com/acutis/intake/internal/domain/formschema")

// Resolve expands every section of draft against lib. An element reference
// is replaced by copies of that element's fields, in order, at the
// reference's position; inline fields are kept as they are; references to
// unknown elements contribute nothing. Neither input is modified.
func Resolve(draft []DraftStep, lib elementlib.Library) []Step {
	steps := make([]Step, 0, len(draft))
	for _, ds := range draft {
		st := Step{ID: ds.ID, Title: ds.Title, Order: ds.Order, Sections: make([]Section, 0, len(ds.Sections))}
		for _, dsec := range ds.Sections {
			sec := Section{ID: dsec.ID, Title: dsec.Title, Order: dsec.Order, Fields: []elementlib.Field{}}
			for _, entry := range dsec.Elements {
				if entry.Field != nil {
					sec.Fields = append(sec.Fields, entry.Field.Clone())
					continue
				}
				if el, ok := lib.Lookup(entry.ElementRef); ok {
					sec.Fields = append(sec.Fields, elementlib.CloneFields(el.Fields)...)
				}
			}
			st.Sections = append(st.Sections, sec)
		}
		steps = append(steps, st)
	}
	return steps
}

// UnknownRefs lists element references in draft that lib cannot resolve.
func UnknownRefs(draft []DraftStep, lib elementlib.Library) []string {
	var out []string
	seen := map[string]bool{}
	for _, ds := range draft {
		for _, dsec := range ds.Sections {
			for _, entry := range dsec.Elements {
				if entry.Field != nil || seen[entry.ElementRef] {
					continue
				}
				if _, ok := lib.Lookup(entry.ElementRef); !ok {
					seen[entry.ElementRef] = true
					out = append(out, entry.ElementRef)
				}
			}
		}
	}
	return out
}

// LibrarySource hands out library snapshots.
type LibrarySource interface {
	Snapshot(ctx context.Context) (elementlib.Library, error)
}

// Resolver resolves drafts against the current library.
type Resolver interface {
	Resolve(ctx context.Context, draft []DraftStep) ([]Step, []string, error)
}

type libraryResolver struct {
	src LibrarySource
}

func NewResolver(src LibrarySource) Resolver {
	return &libraryResolver{src: src}
}

// Resolve returns the resolved steps and the element references that could
// not be found.
func (r *libraryResolver) Resolve(ctx context.Context, draft []DraftStep) ([]Step, []string, error) {
	ctx, span := tracer.Start(ctx, "formschema.Resolve")
	defer span.End()

	lib, err := r.src.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("library snapshot: %w", err)
	}
	steps := Resolve(draft, lib)
	unknown := UnknownRefs(draft, lib)
	span.SetAttributes(
		attribute.Int("formschema.steps", len(steps)),
		attribute.Int("formschema.unknown_refs", len(unknown)),
	)
	return steps, unknown, nil
}
