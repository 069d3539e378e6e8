package journal

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the status of a provisioning run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one invocation of the provisioning sequence.
type Run struct {
	ID          string     `json:"id"`
	User        string     `json:"user"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// NewRun creates a running Run for the given target user.
func NewRun(user string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		User:      user,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
}

// StepRecord represents one step's outcome within a run.
type StepRecord struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Name      string     `json:"name"`
	Identity  string     `json:"identity"`
	Outcome   string     `json:"outcome"` // applied, skipped, failed
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     *string    `json:"error,omitempty"`
}
