package worker

import (
	"container/heap"

	"github.com/me/tasknode/pkg/model"
)

// readyEntry is a queued ready task. The entry is only a hint: the task may
// have been cancelled or reissued since it was pushed, so poppers re-check it
// against the registry.
type readyEntry struct {
	id       model.TaskID
	instance model.InstanceID
	priority model.PriorityPair
}

// readyQueue orders ready tasks: higher user priority, then higher scheduler
// priority, then lower task id.
type readyQueue []readyEntry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return b.priority.Less(a.priority)
	}
	return a.id < b.id
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyEntry)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

func (q *readyQueue) push(e readyEntry) { heap.Push(q, e) }

func (q *readyQueue) pop() readyEntry { return heap.Pop(q).(readyEntry) }

func (q readyQueue) peek() readyEntry { return q[0] }
