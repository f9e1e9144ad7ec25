package domain

import (
	"fmt"
	"slices"
	"time"
)

// Role is the level at which a worker may hold a task. Roles are ordered:
// a reviewer may also take entry-level work.
type Role uint8

const (
	// RoleEntryLevel does the initial work on a task (tier 0).
	RoleEntryLevel Role = iota

	// RoleReviewer reviews submitted work (tier 1).
	RoleReviewer
)

// String returns the string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleEntryLevel:
		return "entry_level"
	case RoleReviewer:
		return "reviewer"
	default:
		return "unknown"
	}
}

// ParseRole converts the string form back into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "entry_level":
		return RoleEntryLevel, nil
	case "reviewer":
		return RoleReviewer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleForTier maps a review tier to the role needed to hold it.
func RoleForTier(tier int) Role {
	if tier <= 0 {
		return RoleEntryLevel
	}
	return RoleReviewer
}

// TaskClass separates production work from training work.
type TaskClass string

// Task classes.
const (
	TaskClassReal     TaskClass = "real"
	TaskClassTraining TaskClass = "training"
)

// WorkerCertification grants a worker a certification for a task class at a role.
type WorkerCertification struct {
	Certification string    `json:"certification" validate:"required"`
	TaskClass     TaskClass `json:"task_class" validate:"required,oneof=real training"`
	Role          Role      `json:"role"`
	GrantedAt     time.Time `json:"granted_at"`
}

// Worker is a human expert who can be offered and assigned tasks.
type Worker struct {
	ID          string `json:"id" validate:"required"`
	Username    string `json:"username" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
	SlackUserID string `json:"slack_user_id,omitempty"`

	// StaffingOptIn marks workers who browse available tasks themselves and
	// should not be messaged for each offer.
	StaffingOptIn bool `json:"staffing_opt_in"`

	// MaxActiveAssignments overrides the configured cap when positive.
	MaxActiveAssignments int `json:"max_active_assignments" validate:"gte=0"`

	Certifications []WorkerCertification `json:"certifications" validate:"dive"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Validate checks the worker record.
func (w *Worker) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("invalid worker: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	c.Certifications = slices.Clone(w.Certifications)
	return &c
}
