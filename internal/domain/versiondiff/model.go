package versiondiff

// ChangeType classifies a single field-level change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Snapshot is the shape the engine compares: section name to field name to
// value. Schema versions, intake data and normalized entities are all
// projected into this form before comparison.
type Snapshot map[string]map[string]interface{}

// FieldChange is one field whose value differs between two snapshots.
// OldValue is nil for added fields and NewValue is nil for removed ones.
type FieldChange struct {
	FieldName  string      `json:"fieldName"`
	OldValue   interface{} `json:"oldValue"`
	NewValue   interface{} `json:"newValue"`
	ChangeType ChangeType  `json:"changeType"`
}

// SectionChange groups the changes that fall under one section.
type SectionChange struct {
	SectionName string        `json:"sectionName"`
	Fields      []FieldChange `json:"fields"`
}

// Diff is the section-grouped change report. Sections without changes are
// never present, so an empty Diff means the snapshots are equivalent.
type Diff []SectionChange

// Summary counts changes by type.
type Summary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
	Total    int `json:"total"`
}
