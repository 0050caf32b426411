package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/me/tasknode/internal/metrics"
	"github.com/me/tasknode/internal/resources"
	"github.com/me/tasknode/internal/store"
	"github.com/me/tasknode/internal/task"
	"github.com/me/tasknode/internal/taskenv"
	"github.com/me/tasknode/pkg/model"
)

// ErrStopped is returned by requests made after the event loop has exited.
var ErrStopped = errors.New("worker stopped")

// Worker owns a State and serializes every access to it through a single
// event loop goroutine. Requests from the API and exits of task
// environments are posted to the loop as closures; after each one the loop
// starts whatever ready tasks fit.
type Worker struct {
	id        string
	name      string
	workDir   string
	runtime   taskenv.Runtime
	state     *State
	metrics   *metrics.Metrics
	logger    *slog.Logger
	startTime time.Time
	history   store.Store // optional run journal

	events  chan func()
	stopped chan struct{}
	journal chan model.RunRecord
}

// Config holds worker configuration.
type Config struct {
	Name    string
	NCPUs   int
	Runtime string
	WorkDir string
}

// Option configures optional Worker dependencies.
type Option func(*Worker)

// WithRuntime replaces the runtime selected by Config.Runtime.
func WithRuntime(rt taskenv.Runtime) Option {
	return func(w *Worker) {
		w.runtime = rt
	}
}

// WithHistory records every retired task in st.
func WithHistory(st store.Store) Option {
	return func(w *Worker) {
		w.history = st
	}
}

// New creates a Worker from configuration. The loop does not run until Run
// is called.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*Worker, error) {
	if cfg.NCPUs <= 0 {
		return nil, fmt.Errorf("ncpus must be positive, got %d", cfg.NCPUs)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "tasknode-worker")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName()
	}

	w := &Worker{
		id:        "wrk_" + uuid.New().String()[:8],
		name:      cfg.Name,
		workDir:   cfg.WorkDir,
		metrics:   m,
		logger:    logger.With("component", "worker"),
		startTime: time.Now(),
		events:    make(chan func(), 64),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.runtime == nil {
		rt, err := taskenv.NewRuntime(cfg.Runtime)
		if err != nil {
			return nil, err
		}
		w.runtime = rt
	}
	w.state = NewState(cfg.NCPUs, m, w.logger)
	if w.history != nil {
		w.journal = make(chan model.RunRecord, 256)
		w.state.OnRetire(w.record)
	}
	return w, nil
}

// DefaultName is the worker name used when none is configured: the host
// name, or "worker" if it cannot be read.
func DefaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker"
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Run processes events until ctx is cancelled. On exit every live task is
// cancelled and later requests fail with ErrStopped.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", w.workDir, err)
	}
	w.logger.Info("worker loop started",
		"worker_id", w.id,
		"ncpus", w.state.Pool().Total(),
		"runtime", w.runtime.Name(),
		"workdir", w.workDir,
	)

	var journalDone chan struct{}
	if w.journal != nil {
		journalDone = make(chan struct{})
		go w.writeJournal(journalDone)
	}

	launch := w.launcher(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down, cancelling tasks", "tasks", w.state.Len())
			w.state.CancelAll()
			close(w.stopped)
			if w.journal != nil {
				close(w.journal)
				<-journalDone
			}
			return nil
		case ev := <-w.events:
			ev()
			w.state.StartReadyTasks(launch)
		}
	}
}

// Dispatch registers a task received from the scheduler.
func (w *Worker) Dispatch(ctx context.Context, msg model.ComputeTaskMsg) error {
	var err error
	if doErr := w.do(ctx, func() {
		_, err = w.state.AddTask(msg)
	}); doErr != nil {
		return doErr
	}
	if err == nil {
		w.logger.Info("task dispatched", "task_id", msg.ID, "instance_id", msg.InstanceID)
	}
	return err
}

// Resolve reports that data object id is available and returns the tasks
// that became ready.
func (w *Worker) Resolve(ctx context.Context, id model.TaskID, size uint64) ([]model.TaskID, error) {
	var readied []model.TaskID
	err := w.do(ctx, func() {
		readied = w.state.ResolveObject(id, size)
	})
	return readied, err
}

// RemoveObject forgets data object id after its data left this worker.
func (w *Worker) RemoveObject(ctx context.Context, id model.TaskID) error {
	var err error
	if doErr := w.do(ctx, func() {
		err = w.state.RemoveObject(id)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Cancel retires a task in any live state.
func (w *Worker) Cancel(ctx context.Context, id model.TaskID) error {
	var err error
	if doErr := w.do(ctx, func() {
		err = w.state.CancelTask(id)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Overview returns a snapshot of the worker's tasks.
func (w *Worker) Overview(ctx context.Context) (model.WorkerOverview, error) {
	var ov model.WorkerOverview
	err := w.do(ctx, func() {
		ov = w.state.Overview()
	})
	ov.WorkerID = w.id
	ov.Name = w.name
	ov.Uptime = time.Since(w.startTime).Round(time.Second).String()
	return ov, err
}

// History lists journaled runs, newest first.
func (w *Worker) History(ctx context.Context, q model.RunQuery) ([]model.RunRecord, error) {
	if w.history == nil {
		return nil, &model.APIError{Code: model.ErrUnavailable, Message: "run history is disabled"}
	}
	return w.history.ListRuns(ctx, q)
}

// do runs fn on the event loop and waits for it to finish.
func (w *Worker) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ev := func() {
		defer close(done)
		fn()
	}
	select {
	case w.events <- ev:
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the event loop without waiting.
func (w *Worker) post(fn func()) {
	select {
	case w.events <- fn:
	case <-w.stopped:
	}
}

// launcher starts task environments under ctx. Exits are posted back to the
// loop, which retires the task.
func (w *Worker) launcher(ctx context.Context) Launcher {
	return func(t *task.Task, alloc *resources.Allocation) (*taskenv.Env, error) {
		id, instance := t.ID(), t.InstanceID()
		dir := filepath.Join(w.workDir, fmt.Sprintf("%d-%d", id, instance))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create task dir: %w", err)
		}
		spec := taskenv.SpecFor(t.Configuration(), alloc, dir)
		return taskenv.Launch(ctx, w.runtime, spec, func(exit taskenv.Exit) {
			w.post(func() { w.onExit(id, instance, exit) })
		}), nil
	}
}

func (w *Worker) onExit(id model.TaskID, instance model.InstanceID, exit taskenv.Exit) {
	if exit.Err != nil && !exit.Killed {
		w.logger.Warn("task environment error", "task_id", id, "error", exit.Err)
	}
	readied, err := w.state.FinishTask(id, instance, exit)
	if err != nil {
		// Cancelled tasks are gone before their environment reports back.
		w.logger.Debug("ignoring exit", "task_id", id, "instance_id", instance, "reason", err)
		return
	}
	if len(readied) > 0 {
		w.logger.Debug("local dependants ready", "task_id", id, "ready", readied)
	}
}

// record queues rec for the journal writer. It runs on the event loop, so a
// full journal drops the record instead of stalling the loop.
func (w *Worker) record(rec model.RunRecord) {
	select {
	case w.journal <- rec:
	default:
		w.logger.Warn("run journal full, dropping record", "task_id", rec.TaskID, "outcome", rec.Outcome)
	}
}

func (w *Worker) writeJournal(done chan<- struct{}) {
	defer close(done)
	for rec := range w.journal {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.history.RecordRun(ctx, rec); err != nil {
			w.logger.Error("record run", "task_id", rec.TaskID, "error", err)
		}
		cancel()
	}
}
