package task

import (
	"github.com/me/tasknode/internal/resources"
	"github.com/me/tasknode/internal/taskenv"
)

// State is the lifecycle variant of a Task. Exactly one of Waiting, Running
// or Removed; the set is closed by the unexported marker method.
type State interface {
	Kind() Kind
	isState()
}

// Waiting holds the number of dependencies not yet resolved. Waiting{0} is
// the ready sub-state.
type Waiting struct {
	Remaining uint32
}

// Running binds the environment and allocation of an executing task. Both
// are owned by the task while it stays in this state.
type Running struct {
	Env        *taskenv.Env
	Allocation *resources.Allocation
}

// Removed is the terminal state.
type Removed struct{}

func (Waiting) Kind() Kind { return KindWaiting }
func (Running) Kind() Kind { return KindRunning }
func (Removed) Kind() Kind { return KindRemoved }

func (Waiting) isState() {}
func (Running) isState() {}
func (Removed) isState() {}

// Kind names a State variant.
type Kind string

const (
	KindWaiting Kind = "waiting"
	KindRunning Kind = "running"
	KindRemoved Kind = "removed"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsTerminal returns true for the final kind.
func (k Kind) IsTerminal() bool {
	return k == KindRemoved
}

// ValidTransitions lists the forward-only moves between kinds.
var ValidTransitions = map[Kind][]Kind{
	KindWaiting: {KindRunning, KindRemoved},
	KindRunning: {KindRemoved},
}

// CanTransitionTo returns true if moving from k to next is valid.
func (k Kind) CanTransitionTo(next Kind) bool {
	for _, allowed := range ValidTransitions[k] {
		if allowed == next {
			return true
		}
	}
	return false
}
