// Package task holds the lifecycle record of a task dispatched to this worker.
//
// A Task starts as Waiting{0}. Its owner registers each unresolved
// dependency with IncreaseWaitingCount and reports each resolution with
// DecreaseWaitingCount, which returns true exactly once: on the call that
// makes the task ready. The executor later replaces State with Running and
// retirement replaces it with Removed.
//
// The zero Task behaves as Waiting{0}.
//
// Misuse (decrementing at zero, touching the counter outside Waiting,
// reading the allocation of a removed task) panics with *ContractViolation. These
// are bugs in the calling logic and are not meant to be recovered.
package task

import (
	"fmt"
	"math"
	"slices"

	"github.com/me/tasknode/internal/cell"
	"github.com/me/tasknode/internal/dataobj"
	"github.com/me/tasknode/internal/resources"
	"github.com/me/tasknode/internal/taskenv"
	"github.com/me/tasknode/pkg/model"
)

// Task is one task on this worker. Everything but State is fixed at
// construction; State is replaced directly by the collaborator that moves
// the task forward.
type Task struct {
	State State

	id            model.TaskID
	instanceID    model.InstanceID
	priority      model.PriorityPair
	deps          []*dataobj.Ref
	configuration model.TaskConfiguration
}

// Ref is a shared handle to a Task.
type Ref = cell.Ref[Task]

// New builds a Waiting{0} task with no dependencies from a dispatch message.
func New(msg model.ComputeTaskMsg) Task {
	return Task{
		State:      Waiting{},
		id:         msg.ID,
		instanceID: msg.InstanceID,
		priority: model.PriorityPair{
			User:      msg.UserPriority,
			Scheduler: msg.SchedulerPriority,
		},
		configuration: msg.Configuration,
	}
}

// NewRef wraps New(msg) in a shared cell.
func NewRef(msg model.ComputeTaskMsg) *Ref {
	return cell.Wrap(New(msg))
}

func (t *Task) ID() model.TaskID { return t.id }
func (t *Task) InstanceID() model.InstanceID { return t.instanceID }
func (t *Task) Priority() model.PriorityPair { return t.priority }
func (t *Task) Configuration() model.TaskConfiguration { return t.configuration }

// Dependencies returns the task's dependency references in registration order.
func (t *Task) Dependencies() []*dataobj.Ref {
	return slices.Clone(t.deps)
}

// AddDependency appends dep to the dependency list. It belongs to the
// registration pass that follows construction and is only legal while
// Waiting. The wait counter is left to the caller.
func (t *Task) AddDependency(dep *dataobj.Ref) {
	if !t.IsWaiting() {
		t.violate("add_dependency")
	}
	t.deps = append(t.deps, dep)
}

// current returns State, reading an unset State as Waiting{0}.
func (t *Task) current() State {
	if t.State == nil {
		return Waiting{}
	}
	return t.State
}

// Kind returns the kind of the current state.
func (t *Task) Kind() Kind { return t.current().Kind() }

// IsWaiting reports whether the task is blocked or ready.
func (t *Task) IsWaiting() bool {
	_, ok := t.current().(Waiting)
	return ok
}

// IsReady reports whether the task is Waiting with no unresolved dependencies.
func (t *Task) IsReady() bool {
	w, ok := t.current().(Waiting)
	return ok && w.Remaining == 0
}

// IsRunning reports whether the task is bound to an environment.
func (t *Task) IsRunning() bool {
	_, ok := t.current().(Running)
	return ok
}

// IsRemoved reports whether the task is retired.
func (t *Task) IsRemoved() bool {
	_, ok := t.current().(Removed)
	return ok
}

// StateName returns "waiting", "ready", "running" or "removed".
func (t *Task) StateName() string {
	if t.IsReady() {
		return "ready"
	}
	return t.Kind().String()
}

// ResourceAllocation returns the bound allocation while Running and nil while
// Waiting. Calling it on a removed task panics.
func (t *Task) ResourceAllocation() *resources.Allocation {
	switch s := t.current().(type) {
	case Running:
		return s.Allocation
	case Waiting:
		return nil
	default:
		t.violate("resource_allocation")
		return nil
	}
}

// TaskEnv returns the live environment while Running and nil otherwise.
func (t *Task) TaskEnv() *taskenv.Env {
	if s, ok := t.current().(Running); ok {
		return s.Env
	}
	return nil
}

// WaitingCount returns the unresolved dependency count, or 0 outside Waiting.
func (t *Task) WaitingCount() uint32 {
	if w, ok := t.current().(Waiting); ok {
		return w.Remaining
	}
	return 0
}

// IncreaseWaitingCount registers one more unresolved dependency.
func (t *Task) IncreaseWaitingCount() {
	w, ok := t.current().(Waiting)
	if !ok || w.Remaining == math.MaxUint32 {
		t.violate("increase_waiting_count")
	}
	w.Remaining++
	t.State = w
}

// DecreaseWaitingCount records one resolved dependency and reports whether
// this call made the task ready.
func (t *Task) DecreaseWaitingCount() bool {
	w, ok := t.current().(Waiting)
	if !ok || w.Remaining == 0 {
		t.violate("decrease_waiting_count")
	}
	w.Remaining--
	t.State = w
	return w.Remaining == 0
}

func (t *Task) violate(op string) {
	panic(&ContractViolation{TaskID: t.id, Op: op, State: t.StateName()})
}

// ContractViolation is the panic value for an illegal call on a Task.
type ContractViolation struct {
	TaskID model.TaskID
	Op     string
	State  string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("task %d: %s not allowed in state %s", e.TaskID, e.Op, e.State)
}
