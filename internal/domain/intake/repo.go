package intake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrOpenSessionExists is returned by SessionRepository.Create when the
// admission already has a session that is not completed.
var ErrOpenSessionExists = errors.New("admission already has an open session")

type AdmissionRepository interface {
	Create(ctx context.Context, a *Admission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Admission, error)
	// UpdateStatus moves an admission to status, stamping the matching
	// timestamp column.
	UpdateStatus(ctx context.Context, id uuid.UUID, status AdmissionStatus, at time.Time) (*Admission, error)
	List(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*Admission, int, error)
	Stats(ctx context.Context, dayStart, dayEnd time.Time) (*Stats, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	OpenForAdmission(ctx context.Context, admissionID uuid.UUID) (*Session, error)
	// MergeData sets the current step and merges patch into the stored data
	// of an open session. Keys in patch win; no key is ever removed.
	MergeData(ctx context.Context, id uuid.UUID, step int, patch map[string]interface{}) (*Session, error)
	Complete(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ActivityRepository interface {
	Create(ctx context.Context, a *Activity) error
	Recent(ctx context.Context, limit int) ([]*Activity, error)
}
