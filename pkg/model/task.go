package model

import (
	"strconv"
)

// TaskID identifies a task. It is assigned by the dispatching scheduler and
// also names the data object the task produces.
type TaskID uint64

// String returns the decimal form of the id.
func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTaskID parses a decimal task id.
func ParseTaskID(s string) (TaskID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, NewValidationError("invalid task id", FieldError{Field: "id", Message: err.Error()})
	}
	return TaskID(v), nil
}

// InstanceID distinguishes reissued instances of a retried task that share a TaskID.
type InstanceID uint32

// Priority is an ordinal used for local run-queue ordering. Higher runs first.
type Priority int32

// PriorityPair holds the user and scheduler priorities of a task.
type PriorityPair struct {
	User      Priority `json:"user"`
	Scheduler Priority `json:"scheduler"`
}

// Less reports whether p should run after o. User priority dominates.
func (p PriorityPair) Less(o PriorityPair) bool {
	if p.User != o.User {
		return p.User < o.User
	}
	return p.Scheduler < o.Scheduler
}

// ResourceRequest describes the resources a task asks for.
type ResourceRequest struct {
	// CPUs is the number of cores requested. Zero means one.
	CPUs int `json:"cpus,omitempty" yaml:"cpus,omitempty"`
}

// NormalizedCPUs returns the requested core count with the default applied.
func (r ResourceRequest) NormalizedCPUs() int {
	if r.CPUs <= 0 {
		return 1
	}
	return r.CPUs
}

// TaskConfiguration describes what to execute. The task core stores it
// untouched; only the execution environment interprets the body.
type TaskConfiguration struct {
	Resources ResourceRequest   `json:"resources" yaml:"resources"`
	Image     string            `json:"image,omitempty" yaml:"image,omitempty"`
	Command   []string          `json:"command" yaml:"command"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ComputeTaskMsg is the dispatch message a scheduler sends to a worker.
type ComputeTaskMsg struct {
	ID                TaskID            `json:"id" yaml:"id"`
	InstanceID        InstanceID        `json:"instance_id" yaml:"instance_id"`
	UserPriority      Priority          `json:"user_priority" yaml:"user_priority"`
	SchedulerPriority Priority          `json:"scheduler_priority" yaml:"scheduler_priority"`
	Configuration     TaskConfiguration `json:"configuration" yaml:"configuration"`

	// Dependencies lists the data objects (by producing task) that must be
	// available before the task may run. They are registered after the task
	// is constructed.
	Dependencies []TaskID `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Validate checks the fields a worker cannot run without.
func (m *ComputeTaskMsg) Validate() error {
	var details []FieldError
	if len(m.Configuration.Command) == 0 {
		details = append(details, FieldError{Field: "configuration.command", Message: "required"})
	}
	if m.Configuration.Resources.CPUs < 0 {
		details = append(details, FieldError{Field: "configuration.resources.cpus", Message: "must not be negative"})
	}
	for i, dep := range m.Dependencies {
		if dep == m.ID {
			details = append(details, FieldError{
				Field:   "dependencies[" + strconv.Itoa(i) + "]",
				Message: "task cannot depend on its own output",
			})
		}
	}
	if len(details) > 0 {
		return NewValidationError("invalid compute task", details...)
	}
	return nil
}
