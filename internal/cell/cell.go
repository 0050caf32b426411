// Package cell provides a reference-counted box with runtime-checked
// shared/exclusive borrowing.
//
// A Ref lets several owners (a registry, a resolution path, an executor) hold
// the same value and mutate it without copies. Access is explicit: Borrow
// acquires a shared view, BorrowMut an exclusive one. Any number of shared
// views or exactly one exclusive view may be live at once. A conflicting
// acquisition panics with a *BorrowError; the cell never blocks or queues.
package cell

import (
	"fmt"
	"sync/atomic"
)

// exclusive marks the borrow flag while an exclusive view is held.
const exclusive = -1

type box[T any] struct {
	value  T
	strong atomic.Int64
	// borrow is 0 when free, n>0 with n shared views, exclusive with one
	// exclusive view.
	borrow atomic.Int64
}

// Ref is one owner's handle to a shared value.
type Ref[T any] struct {
	box      *box[T]
	released atomic.Bool
}

// Wrap places v in a new cell and returns the first handle to it.
func Wrap[T any](v T) *Ref[T] {
	b := &box[T]{value: v}
	b.strong.Store(1)
	return &Ref[T]{box: b}
}

// Clone returns a new handle to the same value.
func (r *Ref[T]) Clone() *Ref[T] {
	r.checkLive("clone")
	r.box.strong.Add(1)
	return &Ref[T]{box: r.box}
}

// Release drops this handle. When the last handle is released the value is
// zeroed. Releasing a handle twice panics.
func (r *Ref[T]) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(&BorrowError{Op: "release", Held: "released handle"})
	}
	if r.box.strong.Add(-1) == 0 {
		if r.box.borrow.Load() != 0 {
			panic(&BorrowError{Op: "release", Held: describe(r.box.borrow.Load())})
		}
		var zero T
		r.box.value = zero
	}
}

// RefCount returns the number of live handles to the value.
func (r *Ref[T]) RefCount() int {
	return int(r.box.strong.Load())
}

// Same reports whether r and o refer to the same value.
func (r *Ref[T]) Same(o *Ref[T]) bool {
	return o != nil && r.box == o.box
}

// Borrow acquires a shared view. It panics if an exclusive view is held.
func (r *Ref[T]) Borrow() *Shared[T] {
	r.checkLive("borrow")
	for {
		cur := r.box.borrow.Load()
		if cur == exclusive {
			panic(&BorrowError{Op: "borrow", Held: describe(cur)})
		}
		if r.box.borrow.CompareAndSwap(cur, cur+1) {
			return &Shared[T]{box: r.box}
		}
	}
}

// BorrowMut acquires an exclusive view. It panics if any other view is held.
func (r *Ref[T]) BorrowMut() *Exclusive[T] {
	r.checkLive("borrow_mut")
	if !r.box.borrow.CompareAndSwap(0, exclusive) {
		panic(&BorrowError{Op: "borrow_mut", Held: describe(r.box.borrow.Load())})
	}
	return &Exclusive[T]{box: r.box}
}

// Read runs fn with a shared view held for its duration.
func (r *Ref[T]) Read(fn func(*T)) {
	s := r.Borrow()
	defer s.Release()
	fn(s.Value())
}

// Write runs fn with an exclusive view held for its duration.
func (r *Ref[T]) Write(fn func(*T)) {
	e := r.BorrowMut()
	defer e.Release()
	fn(e.Value())
}

func (r *Ref[T]) checkLive(op string) {
	if r.released.Load() {
		panic(&BorrowError{Op: op, Held: "released handle"})
	}
}

// Shared is a read-only view. Callers must not mutate through Value.
type Shared[T any] struct {
	box  *box[T]
	done bool
}

// Value returns the borrowed value.
func (s *Shared[T]) Value() *T {
	if s.done {
		panic(&BorrowError{Op: "shared.value", Held: "released view"})
	}
	return &s.box.value
}

// Release ends the view.
func (s *Shared[T]) Release() {
	if s.done {
		panic(&BorrowError{Op: "shared.release", Held: "released view"})
	}
	s.done = true
	s.box.borrow.Add(-1)
}

// Exclusive is a read-write view.
type Exclusive[T any] struct {
	box  *box[T]
	done bool
}

// Value returns the borrowed value.
func (e *Exclusive[T]) Value() *T {
	if e.done {
		panic(&BorrowError{Op: "exclusive.value", Held: "released view"})
	}
	return &e.box.value
}

// Release ends the view.
func (e *Exclusive[T]) Release() {
	if e.done {
		panic(&BorrowError{Op: "exclusive.release", Held: "released view"})
	}
	e.done = true
	e.box.borrow.Store(0)
}

// BorrowError is the panic value for a violated borrow discipline.
type BorrowError struct {
	Op   string
	Held string
}

func (e *BorrowError) Error() string {
	return fmt.Sprintf("cell: %s while %s", e.Op, e.Held)
}

func describe(flag int64) string {
	switch {
	case flag == exclusive:
		return "exclusively borrowed"
	case flag > 0:
		return fmt.Sprintf("%d shared borrow(s) held", flag)
	default:
		return "not borrowed"
	}
}
