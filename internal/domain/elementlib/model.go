package elementlib

import (
	"encoding/json"
	"time"
)

// CustomCategoryID is where staff-authored elements are filed unless they
// name another category.
const CustomCategoryID = "custom"

// Field is a single input. FieldName is the key collected data is stored
// under; ID is a design-time identifier and may repeat across elements.
type Field struct {
	ID           string                 `json:"id"`
	FieldName    string                 `json:"fieldName"`
	Label        string                 `json:"label"`
	Type         string                 `json:"type"`
	Required     *bool                  `json:"required,omitempty"`
	Placeholder  string                 `json:"placeholder,omitempty"`
	Options      []string               `json:"options,omitempty"`
	Validation   map[string]interface{} `json:"validation,omitempty"`
	HelpText     string                 `json:"helpText,omitempty"`
	DefaultValue interface{}            `json:"defaultValue,omitempty"`
}

// Key returns the name collected data is stored under, falling back to the
// field id for fields authored without a fieldName.
func (f Field) Key() string {
	if f.FieldName != "" {
		return f.FieldName
	}
	return f.ID
}

// Clone returns a deep copy of f.
func (f Field) Clone() Field {
	out := f
	if f.Required != nil {
		r := *f.Required
		out.Required = &r
	}
	if f.Options != nil {
		out.Options = append([]string(nil), f.Options...)
	}
	if f.Validation != nil {
		out.Validation = deepCopyMap(f.Validation)
	}
	out.DefaultValue = deepCopyValue(f.DefaultValue)
	return out
}

// CloneFields deep-copies a field list. A nil input stays nil.
func CloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = f.Clone()
	}
	return out
}

type Element struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	CategoryID      string     `json:"categoryId,omitempty"`
	Fields          []Field    `json:"fields"`
	Custom          bool       `json:"custom,omitempty"`
	SourceElementID string     `json:"sourceElementId,omitempty"`
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
}

func (e Element) Clone() Element {
	out := e
	out.Fields = CloneFields(e.Fields)
	if e.CreatedAt != nil {
		t := *e.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Icon        string    `json:"icon,omitempty"`
	Elements    []Element `json:"elements"`
}

// Library is a point-in-time view of the catalog plus custom elements.
type Library struct {
	Version        string     `json:"version"`
	LastUpdated    time.Time  `json:"lastUpdated"`
	Categories     []Category `json:"categories"`
	CustomElements []Element  `json:"customElements"`
}

// Lookup finds an element by id, catalog first.
func (l Library) Lookup(id string) (Element, bool) {
	for _, c := range l.Categories {
		for _, e := range c.Elements {
			if e.ID == id {
				return e, true
			}
		}
	}
	for _, e := range l.CustomElements {
		if e.ID == id {
			return e, true
		}
	}
	return Element{}, false
}

type Statistics struct {
	TotalElements   int            `json:"totalElements"`
	CustomElements  int            `json:"customElements"`
	CategoriesCount int            `json:"categoriesCount"`
	ByCategory      map[string]int `json:"byCategory"`
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = deepCopyValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}
