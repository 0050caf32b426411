// Package taskenv runs task commands and exposes the live handle of a
// running task.
package taskenv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Exit is what a finished environment reports.
type Exit struct {
	Result   RunResult
	Err      error
	Killed   bool
	Duration time.Duration
}

// Success reports whether the command ran and exited with status 0.
func (e Exit) Success() bool {
	return e.Err == nil && !e.Killed && e.Result.ExitCode == 0
}

// Env is the execution environment of one running task.
type Env struct {
	id        string
	spec      RunSpec
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	killed    atomic.Bool

	mu   sync.Mutex
	exit Exit
}

// Launch starts spec on rt in a new goroutine and returns immediately.
// onExit is called exactly once, from that goroutine, after the command ends.
func Launch(ctx context.Context, rt Runtime, spec RunSpec, onExit func(Exit)) *Env {
	runCtx, cancel := context.WithCancel(ctx)
	e := &Env{
		id:        "env_" + uuid.New().String()[:8],
		spec:      spec,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer cancel()
		result, err := rt.Run(runCtx, spec)
		exit := Exit{
			Result:   result,
			Err:      err,
			Killed:   e.killed.Load() || errors.Is(runCtx.Err(), context.Canceled),
			Duration: time.Since(e.startedAt),
		}
		e.mu.Lock()
		e.exit = exit
		e.mu.Unlock()
		close(e.done)
		if onExit != nil {
			onExit(exit)
		}
	}()
	return e
}

// ID returns the environment id.
func (e *Env) ID() string { return e.id }

// Spec returns what the environment runs.
func (e *Env) Spec() RunSpec { return e.spec }

// StartedAt returns the launch time.
func (e *Env) StartedAt() time.Time { return e.startedAt }

// Kill cancels the running command. It does not wait for it to exit.
func (e *Env) Kill() {
	e.killed.Store(true)
	e.cancel()
}

// Killed reports whether Kill was called.
func (e *Env) Killed() bool { return e.killed.Load() }

// Done is closed once the command has exited.
func (e *Env) Done() <-chan struct{} { return e.done }

// Exit returns the exit report. It is only meaningful after Done is closed.
func (e *Env) Exit() Exit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exit
}
