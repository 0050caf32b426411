package model

import "time"

// RunRecord is the journal entry written when a task leaves a worker.
// Tasks cancelled before they started have no EnvID, CPUs or StartedAt.
type RunRecord struct {
	TaskID     TaskID        `json:"task_id"`
	InstanceID InstanceID    `json:"instance_id"`
	Outcome    string        `json:"outcome"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	EnvID      string        `json:"env_id,omitempty"`
	CPUs       []int         `json:"cpus,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// RunQuery filters a history listing. A zero TaskID matches every task.
type RunQuery struct {
	TaskID TaskID
	Limit  int
}

// DefaultRunLimit caps a history listing when the query does not.
const DefaultRunLimit = 50

// Normalize fills in defaults and clamps the limit.
func (q RunQuery) Normalize() RunQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultRunLimit
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	return q
}
