package intake

import (
	"time"

	"github.com/google/uuid"

	"github.com/acutis/intake/internal/domain/versiondiff"
)

type AdmissionStatus string

const (
	StatusExpected   AdmissionStatus = "expected"
	StatusArrived    AdmissionStatus = "arrived"
	StatusInProgress AdmissionStatus = "in_progress"
	StatusCompleted  AdmissionStatus = "completed"
)

func (s AdmissionStatus) Valid() bool {
	switch s {
	case StatusExpected, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// rank orders statuses so transitions can be checked for moving forward.
func (s AdmissionStatus) rank() int {
	switch s {
	case StatusExpected:
		return 0
	case StatusArrived:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// Admission maps to the admissions table.
type Admission struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	FirstName          string          `db:"first_name" json:"first_name"`
	LastName           string          `db:"last_name" json:"last_name"`
	Status             AdmissionStatus `db:"status" json:"status"`
	Unit               string          `db:"unit" json:"unit"`
	AdmissionType      *string         `db:"admission_type" json:"admission_type,omitempty"`
	ExpectedTime       *time.Time      `db:"expected_time" json:"expected_time,omitempty"`
	PhoneEvalCompleted bool            `db:"phone_eval_completed" json:"phone_eval_completed"`
	IsReturning        bool            `db:"is_returning" json:"is_returning"`
	Notes              *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	ArrivedAt          *time.Time      `db:"arrived_at" json:"arrived_at,omitempty"`
	CompletedAt        *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

func (a *Admission) FullName() string {
	return a.FirstName + " " + a.LastName
}

// Session maps to the intake_sessions table. SchemaVersionID is fixed when
// the session starts.
type Session struct {
	ID              uuid.UUID              `db:"id" json:"id"`
	AdmissionID     uuid.UUID              `db:"admission_id" json:"admission_id"`
	SchemaVersionID uuid.UUID              `db:"schema_version_id" json:"schema_version_id"`
	CurrentStep     int                    `db:"current_step" json:"current_step"`
	TotalSteps      int                    `db:"total_steps" json:"total_steps"`
	Data            map[string]interface{} `db:"data" json:"data"`
	StartedAt       time.Time              `db:"started_at" json:"started_at"`
	LastUpdatedAt   time.Time              `db:"last_updated_at" json:"last_updated_at"`
	CompletedAt     *time.Time             `db:"completed_at" json:"completed_at,omitempty"`
}

func (s *Session) Open() bool { return s.CompletedAt == nil }

type ActivityType string

const (
	ActivityAdmissionCreated   ActivityType = "admission_created"
	ActivityAdmissionStarted   ActivityType = "admission_started"
	ActivityAdmissionUpdated   ActivityType = "admission_updated"
	ActivityAdmissionCompleted ActivityType = "admission_completed"
)

// Activity is one line of the admissions dashboard feed.
type Activity struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	Type        ActivityType `db:"type" json:"type"`
	AdmissionID *uuid.UUID   `db:"admission_id" json:"admission_id,omitempty"`
	Message     string       `db:"message" json:"message"`
	Actor       string       `db:"actor" json:"actor"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

type Stats struct {
	ExpectedToday  int `json:"expectedToday"`
	ArrivedToday   int `json:"arrivedToday"`
	InProgress     int `json:"inProgress"`
	CompletedToday int `json:"completedToday"`
	NeedsReview    int `json:"needsReview"`
}

type AdmissionFilter struct {
	Unit   string
	Status AdmissionStatus
	// Day, when set, keeps admissions expected (or, without an expected
	// time, created) on that calendar day.
	Day *time.Time
}

type CreateAdmissionInput struct {
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Unit               string     `json:"unit"`
	AdmissionType      *string    `json:"admission_type,omitempty"`
	ExpectedTime       *time.Time `json:"expected_time,omitempty"`
	PhoneEvalCompleted bool       `json:"phone_eval_completed"`
	IsReturning        bool       `json:"is_returning"`
	Notes              *string    `json:"notes,omitempty"`
}

// UpdateSessionInput moves a session to Step (when set) and merges Data into
// what has been collected so far.
type UpdateSessionInput struct {
	Step *int                   `json:"current_step,omitempty"`
	Data map[string]interface{} `json:"data"`
}

// SessionChange is one recorded update of a session's data.
type SessionChange struct {
	EntryID    uuid.UUID        `json:"entry_id"`
	RecordedAt time.Time        `json:"recorded_at"`
	RecordedBy string           `json:"recorded_by"`
	Changes    versiondiff.Diff `json:"changes"`
}
