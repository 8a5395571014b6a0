package audittrail

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is what happened to the audited entity.
type Action string

const (
	ActionCreate   Action = "Create"
	ActionUpdate   Action = "Update"
	ActionDelete   Action = "Delete"
	ActionPublish  Action = "Publish"
	ActionArchive  Action = "Archive"
	ActionStart    Action = "Start"
	ActionComplete Action = "Complete"
	ActionAccess   Action = "Access"
)

var validActions = map[Action]bool{
	ActionCreate: true, ActionUpdate: true, ActionDelete: true, ActionPublish: true,
	ActionArchive: true, ActionStart: true, ActionComplete: true, ActionAccess: true,
}

// Entry maps to the audit_entries table. Entries are written once and never
// updated.
type Entry struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	EntityName     string          `db:"entity_name" json:"entity_name"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	Action         Action          `db:"action" json:"action"`
	KeyValues      json.RawMessage `db:"key_values" json:"key_values,omitempty"`
	OriginalValues json.RawMessage `db:"original_values" json:"original_values,omitempty"`
	CurrentValues  json.RawMessage `db:"current_values" json:"current_values,omitempty"`
	ChangedColumns []string        `db:"changed_columns" json:"changed_columns"`
	CorrelationID  *string         `db:"correlation_id" json:"correlation_id,omitempty"`
	IPAddress      *string         `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	CreatedBy      string          `db:"created_by" json:"created_by"`
}

// RecordInput is what callers hand to Record. Before and After may be any
// JSON-encodable value; when they encode to objects the changed columns are
// derived from them.
type RecordInput struct {
	EntityName     string
	EntityID       string
	Action         Action
	KeyValues      map[string]interface{}
	Before         interface{}
	After          interface{}
	ChangedColumns []string
	Actor          string
	CorrelationID  string
	IPAddress      string
}
