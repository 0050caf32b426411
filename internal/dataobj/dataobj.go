// Package dataobj tracks the data objects tasks depend on. An object is named
// by the task that produces it and is either still pending or available on
// this worker.
package dataobj

import (
	"slices"

	"github.com/me/tasknode/internal/cell"
	"github.com/me/tasknode/pkg/model"
)

// ObjectState is the availability of a data object.
type ObjectState string

const (
	ObjectPending   ObjectState = "pending"
	ObjectAvailable ObjectState = "available"
)

// Object is a data object together with the tasks waiting for it.
type Object struct {
	ID    model.TaskID
	State ObjectState
	Size  uint64

	// consumers holds the ids of waiting tasks rather than task handles; the
	// worker registry resolves them.
	consumers map[model.TaskID]struct{}
}

// Ref is a shared handle to an Object.
type Ref = cell.Ref[Object]

// New returns a handle to a pending object.
func New(id model.TaskID) *Ref {
	return cell.Wrap(Object{
		ID:        id,
		State:     ObjectPending,
		consumers: make(map[model.TaskID]struct{}),
	})
}

// IsAvailable reports whether the object has been produced.
func (o *Object) IsAvailable() bool {
	return o.State == ObjectAvailable
}

// MarkAvailable records the object as produced. It returns false if the
// object was already available, so each object is resolved at most once.
func (o *Object) MarkAvailable(size uint64) bool {
	if o.State == ObjectAvailable {
		return false
	}
	o.State = ObjectAvailable
	o.Size = size
	return true
}

// AddConsumer registers a task waiting for this object.
func (o *Object) AddConsumer(id model.TaskID) {
	o.consumers[id] = struct{}{}
}

// RemoveConsumer forgets a waiting task.
func (o *Object) RemoveConsumer(id model.TaskID) {
	delete(o.consumers, id)
}

// HasConsumer reports whether id waits for this object.
func (o *Object) HasConsumer(id model.TaskID) bool {
	_, ok := o.consumers[id]
	return ok
}

// ConsumerCount returns the number of waiting tasks.
func (o *Object) ConsumerCount() int {
	return len(o.consumers)
}

// TakeConsumers removes and returns all waiting tasks in ascending id order.
func (o *Object) TakeConsumers() []model.TaskID {
	ids := make([]model.TaskID, 0, len(o.consumers))
	for id := range o.consumers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	clear(o.consumers)
	return ids
}
