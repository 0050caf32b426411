package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// WorkerOverview is a point-in-time snapshot of a worker's task registry.
type WorkerOverview struct {
	WorkerID     string         `json:"worker_id"`
	Name         string         `json:"name"`
	Uptime       string         `json:"uptime"`
	CPUsTotal    int            `json:"cpus_total"`
	CPUsFree     int            `json:"cpus_free"`
	Objects      int            `json:"objects"`
	Tasks        []TaskOverview `json:"tasks"`
	RunningTasks []TaskID       `json:"running_tasks"`
	ReadyTasks   []TaskID       `json:"ready_tasks"`
}

// TaskOverview describes one task in a WorkerOverview.
type TaskOverview struct {
	ID         TaskID       `json:"id"`
	InstanceID InstanceID   `json:"instance_id"`
	State      string       `json:"state"`
	Waiting    uint32       `json:"waiting"`
	Priority   PriorityPair `json:"priority"`
	CPUs       []int        `json:"cpus,omitempty"`
	EnvID      string       `json:"env_id,omitempty"`
}
