package formschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acutis/intake/internal/domain/elementlib"
	"github.com/acutis/intake/internal/domain/versiondiff"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	}
	return false
}

// SectionEntry is one item of an unresolved section: either a reference to a
// library element or an inline field. On the wire it is a bare string or a
// field object.
type SectionEntry struct {
	ElementRef string
	Field      *elementlib.Field
}

func ElementEntry(id string) SectionEntry { return SectionEntry{ElementRef: id} }

func FieldEntry(f elementlib.Field) SectionEntry { return SectionEntry{Field: &f} }

func (e SectionEntry) MarshalJSON() ([]byte, error) {
	if e.Field != nil {
		return json.Marshal(e.Field)
	}
	return json.Marshal(e.ElementRef)
}

func (e *SectionEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty section entry")
	}
	switch data[0] {
	case '"':
		e.Field = nil
		return json.Unmarshal(data, &e.ElementRef)
	case '{':
		var f elementlib.Field
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		e.ElementRef, e.Field = "", &f
		return nil
	default:
		return fmt.Errorf("section entry must be an element id or a field object, got %s", data)
	}
}

type DraftSection struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Order    int            `json:"order"`
	Elements []SectionEntry `json:"elements"`
}

type DraftStep struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Order    int            `json:"order"`
	Sections []DraftSection `json:"sections"`
}

type Section struct {
	ID     string             `json:"id"`
	Title  string             `json:"title"`
	Order  int                `json:"order"`
	Fields []elementlib.Field `json:"fields"`
}

type Step struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Order    int       `json:"order"`
	Sections []Section `json:"sections"`
}

// FormSchema is one version of a unit's intake form. Steps holds the
// resolved form sessions bind to; Draft keeps the element references it was
// resolved from so the designer can keep editing.
type FormSchema struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	Name              string      `db:"name" json:"name"`
	Description       string      `db:"description" json:"description"`
	Unit              string      `db:"unit" json:"unit"`
	AdmissionType     *string     `db:"admission_type" json:"admission_type,omitempty"`
	FormType          string      `db:"form_type" json:"form_type"`
	Version           int         `db:"version" json:"version"`
	Status            Status      `db:"status" json:"status"`
	Draft             []DraftStep `db:"draft" json:"draft"`
	Steps             []Step      `db:"steps" json:"steps"`
	PreviousVersionID *uuid.UUID  `db:"previous_version_id" json:"previous_version_id,omitempty"`
	CreatedBy         string      `db:"created_by" json:"created_by,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
	PublishedAt       *time.Time  `db:"published_at" json:"published_at,omitempty"`
	ArchivedAt        *time.Time  `db:"archived_at" json:"archived_at,omitempty"`
}

func (s *FormSchema) TotalSteps() int { return len(s.Steps) }

// Lineage identifies the (unit, admission type) a version belongs to.
func (s *FormSchema) Lineage() string {
	return lineageName(s.Unit, s.AdmissionType)
}

type CreateDraftInput struct {
	Unit          string      `json:"unit"`
	AdmissionType *string     `json:"admission_type,omitempty"`
	FormType      string      `json:"form_type,omitempty"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	Steps         []DraftStep `json:"steps"`
}

// UpdateDraftInput carries partial updates; nil members are left unchanged.
type UpdateDraftInput struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Steps       []DraftStep `json:"steps,omitempty"`
}

type ListFilter struct {
	Unit          string
	Status        Status
	AdmissionType *string
}

// ActivationResult reports the published version and the versions it
// demoted.
type ActivationResult struct {
	Schema  *FormSchema
	Demoted []uuid.UUID
}

// VersionSummary is one row of a lineage timeline.
type VersionSummary struct {
	ID           uuid.UUID           `json:"id"`
	Name         string              `json:"name"`
	Version      int                 `json:"version"`
	Status       Status              `json:"status"`
	CreatedBy    string              `json:"created_by,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	PublishedAt  *time.Time          `json:"published_at,omitempty"`
	ArchivedAt   *time.Time          `json:"archived_at,omitempty"`
	ChangesCount int                 `json:"changes_count"`
	Changes      versiondiff.Summary `json:"changes"`
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, st := range steps {
		out[i] = st
		out[i].Sections = make([]Section, len(st.Sections))
		for j, sec := range st.Sections {
			out[i].Sections[j] = sec
			out[i].Sections[j].Fields = elementlib.CloneFields(sec.Fields)
		}
	}
	return out
}

func cloneDraft(steps []DraftStep) []DraftStep {
	if steps == nil {
		return nil
	}
	out := make([]DraftStep, len(steps))
	for i, st := range steps {
		out[i] = st
		out[i].Sections = make([]DraftSection, len(st.Sections))
		for j, sec := range st.Sections {
			out[i].Sections[j] = sec
			entries := make([]SectionEntry, len(sec.Elements))
			for k, en := range sec.Elements {
				if en.Field != nil {
					f := en.Field.Clone()
					en.Field = &f
				}
				entries[k] = en
			}
			out[i].Sections[j].Elements = entries
		}
	}
	return out
}

func lineageName(unit string, admissionType *string) string {
	if admissionType == nil {
		return unit
	}
	return unit + "/" + *admissionType
}
