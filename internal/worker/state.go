package worker

import (
	"log/slog"
	"slices"
	"time"

	"github.com/me/tasknode/internal/dataobj"
	"github.com/me/tasknode/internal/metrics"
	"github.com/me/tasknode/internal/resources"
	"github.com/me/tasknode/internal/task"
	"github.com/me/tasknode/internal/taskenv"
	"github.com/me/tasknode/pkg/model"
)

// Launcher starts the environment of a task that has just been given alloc.
// It is called with the task exclusively borrowed and must not borrow it again.
type Launcher func(t *task.Task, alloc *resources.Allocation) (*taskenv.Env, error)

// Task outcomes reported to metrics.
const (
	outcomeSuccess     = "success"
	outcomeFailed      = "failed"
	outcomeCancelled   = "cancelled"
	outcomeLaunchError = "launch_error"
)

// State is the task registry of a worker: live tasks, the data objects they
// depend on, the ready queue and the CPU pool. It is not safe for concurrent
// use; Worker confines it to its event loop.
type State struct {
	tasks   map[model.TaskID]*task.Ref
	objects map[model.TaskID]*dataobj.Ref
	ready   readyQueue
	pool    *resources.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
	retired func(model.RunRecord)
	counts  map[string]int // live tasks by StateName
}

// NewState creates an empty registry over ncpus CPUs.
func NewState(ncpus int, m *metrics.Metrics, logger *slog.Logger) *State {
	s := &State{
		tasks:   make(map[model.TaskID]*task.Ref),
		objects: make(map[model.TaskID]*dataobj.Ref),
		counts:  make(map[string]int, 3),
		pool:    resources.NewPool(ncpus),
		metrics: m,
		logger:  logger.With("component", "state"),
	}
	s.publish()
	return s
}

// OnRetire registers fn to receive a record of every task that leaves the
// registry. fn runs on the caller's goroutine and must not block.
func (s *State) OnRetire(fn func(model.RunRecord)) { s.retired = fn }

// Len returns the number of live tasks.
func (s *State) Len() int { return len(s.tasks) }

// Get returns the live task with the given id.
func (s *State) Get(id model.TaskID) (*task.Ref, bool) {
	ref, ok := s.tasks[id]
	return ref, ok
}

// Pool returns the CPU pool.
func (s *State) Pool() *resources.Pool { return s.pool }

// AddTask constructs a task from msg and registers its dependencies: every
// dependency is attached to the task, and each one not yet available adds
// one to the wait counter and records the task as a consumer. A task whose
// inputs are all present is queued as ready immediately.
func (s *State) AddTask(msg model.ComputeTaskMsg) (*task.Ref, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.tasks[msg.ID]; ok {
		return nil, model.NewConflictError("task %d already registered", msg.ID)
	}
	if !s.pool.Fits(msg.Configuration.Resources) {
		return nil, model.NewValidationError("task does not fit on this worker", model.FieldError{
			Field:   "configuration.resources.cpus",
			Message: "exceeds worker cpu count",
		})
	}

	ref := task.NewRef(msg)
	var entry readyEntry
	var ready bool
	var name string
	ref.Write(func(t *task.Task) {
		seen := make(map[model.TaskID]bool, len(msg.Dependencies))
		for _, depID := range msg.Dependencies {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			obj := s.object(depID)
			t.AddDependency(obj.Clone())
			obj.Write(func(o *dataobj.Object) {
				if !o.IsAvailable() {
					t.IncreaseWaitingCount()
					o.AddConsumer(t.ID())
				}
			})
		}
		ready = t.IsReady()
		name = t.StateName()
		entry = entryOf(t)
	})
	s.tasks[msg.ID] = ref
	s.move("", name)
	s.metrics.TaskDispatched()

	s.logger.Debug("task added",
		"task_id", msg.ID,
		"instance_id", msg.InstanceID,
		"dependencies", len(msg.Dependencies),
		"ready", ready,
	)
	if ready {
		s.enqueue(entry)
	}
	s.publish()
	return ref, nil
}

// ResolveObject marks data object id as available on this worker and
// decrements the wait counter of every task consuming it. It returns the
// tasks this made ready. Resolving an already available object does nothing.
func (s *State) ResolveObject(id model.TaskID, size uint64) []model.TaskID {
	obj := s.object(id)
	var consumers []model.TaskID
	var fresh bool
	obj.Write(func(o *dataobj.Object) {
		fresh = o.MarkAvailable(size)
		if fresh {
			consumers = o.TakeConsumers()
		}
	})
	if !fresh {
		s.logger.Debug("object already available", "object_id", id)
		return nil
	}
	s.metrics.ObjectResolved()

	var readied []model.TaskID
	for _, cid := range consumers {
		ref, ok := s.tasks[cid]
		if !ok {
			s.logger.Warn("consumer of resolved object not registered", "object_id", id, "task_id", cid)
			continue
		}
		var entry readyEntry
		var edge bool
		ref.Write(func(t *task.Task) {
			edge = t.DecreaseWaitingCount()
			entry = entryOf(t)
		})
		if edge {
			s.move("waiting", "ready")
			s.enqueue(entry)
			readied = append(readied, cid)
		}
	}
	s.logger.Debug("object resolved", "object_id", id, "consumers", len(consumers), "ready", len(readied))
	s.publish()
	return readied
}

// StartReadyTasks moves ready tasks to Running in priority order until the
// queue is empty or the next task does not fit in the free CPUs. It returns
// the ids of the tasks that were started.
func (s *State) StartReadyTasks(launch Launcher) []model.TaskID {
	var started []model.TaskID
	for s.ready.Len() > 0 {
		e := s.ready.peek()
		ref, ok := s.tasks[e.id]
		if !ok {
			s.ready.pop()
			continue
		}

		var blocked, failed bool
		ref.Write(func(t *task.Task) {
			if t.InstanceID() != e.instance || !t.IsReady() {
				s.ready.pop()
				return
			}
			alloc := s.pool.Allocate(t.Configuration().Resources)
			if alloc == nil {
				blocked = true
				return
			}
			s.ready.pop()

			env, err := launch(t, alloc)
			if err != nil {
				s.logger.Error("launch failed", "task_id", t.ID(), "error", err)
				s.pool.Release(alloc)
				advance(t, task.Removed{})
				s.move("ready", "")
				failed = true
				s.retire(model.RunRecord{
					TaskID:     t.ID(),
					InstanceID: t.InstanceID(),
					Outcome:    outcomeLaunchError,
					ExitCode:   -1,
					Error:      err.Error(),
				})
				return
			}
			advance(t, task.Running{Env: env, Allocation: alloc})
			s.move("ready", "running")
			started = append(started, t.ID())
			s.logger.Info("task started",
				"task_id", t.ID(),
				"instance_id", t.InstanceID(),
				"cpus", alloc.CPUs,
				"env_id", env.ID(),
			)
		})
		if failed {
			s.forget(ref)
			s.metrics.TaskFinished(outcomeLaunchError, 0)
		}
		if blocked {
			break
		}
	}
	s.publish()
	return started
}

// FinishTask retires a running task after its environment exited, returns
// its CPUs and, on success, publishes its output object, which may ready
// local dependants. Exits of unknown tasks or of an older instance are
// rejected so a reissued task is not retired by its predecessor.
func (s *State) FinishTask(id model.TaskID, instance model.InstanceID, exit taskenv.Exit) ([]model.TaskID, error) {
	ref, ok := s.tasks[id]
	if !ok {
		return nil, model.NewNotFoundError("task", id)
	}

	var stale bool
	var ran time.Duration
	rec := model.RunRecord{TaskID: id, InstanceID: instance, ExitCode: exit.Result.ExitCode}
	ref.Write(func(t *task.Task) {
		if t.InstanceID() != instance || !t.IsRunning() {
			stale = true
			return
		}
		env, alloc := t.TaskEnv(), t.ResourceAllocation()
		ran = time.Since(env.StartedAt())
		rec.EnvID, rec.StartedAt = env.ID(), env.StartedAt()
		rec.CPUs = slices.Clone(alloc.CPUs)
		s.pool.Release(alloc)
		advance(t, task.Removed{})
		s.move("running", "")
	})
	if stale {
		return nil, model.NewConflictError("task %d instance %d is not running", id, instance)
	}
	s.forget(ref)

	outcome := outcomeSuccess
	if !exit.Success() {
		outcome = outcomeFailed
	}
	s.metrics.TaskFinished(outcome, ran)
	rec.Outcome = outcome
	if exit.Err != nil {
		rec.Error = exit.Err.Error()
	}
	s.retire(rec)
	s.logger.Info("task finished",
		"task_id", id,
		"instance_id", instance,
		"outcome", outcome,
		"exit_code", exit.Result.ExitCode,
		"duration", ran.Round(time.Millisecond).String(),
	)

	var readied []model.TaskID
	if outcome == outcomeSuccess {
		readied = s.ResolveObject(id, uint64(len(exit.Result.Stdout)))
	}
	s.publish()
	return readied, nil
}

// CancelTask retires a task in any live state. A waiting task is detached
// from the objects it waits for; a running task has its environment killed
// and its CPUs returned.
func (s *State) CancelTask(id model.TaskID) error {
	ref, ok := s.tasks[id]
	if !ok {
		return model.NewNotFoundError("task", id)
	}

	var ran time.Duration
	rec := model.RunRecord{TaskID: id, Outcome: outcomeCancelled, ExitCode: -1}
	ref.Write(func(t *task.Task) {
		rec.InstanceID = t.InstanceID()
		s.move(t.StateName(), "")
		switch st := t.State.(type) {
		case task.Waiting:
			for _, dep := range t.Dependencies() {
				dep.Write(func(o *dataobj.Object) { o.RemoveConsumer(id) })
			}
		case task.Running:
			st.Env.Kill()
			rec.EnvID, rec.StartedAt = st.Env.ID(), st.Env.StartedAt()
			rec.CPUs = slices.Clone(st.Allocation.CPUs)
			s.pool.Release(st.Allocation)
			ran = time.Since(st.Env.StartedAt())
		}
		advance(t, task.Removed{})
	})
	s.forget(ref)
	s.metrics.TaskFinished(outcomeCancelled, ran)
	s.retire(rec)
	s.logger.Info("task cancelled", "task_id", id)
	s.publish()
	return nil
}

// CancelAll cancels every live task.
func (s *State) CancelAll() {
	for _, id := range s.sortedIDs() {
		s.CancelTask(id)
	}
}

// Overview returns a snapshot of the registry.
func (s *State) Overview() model.WorkerOverview {
	ov := model.WorkerOverview{
		CPUsTotal:    s.pool.Total(),
		CPUsFree:     s.pool.Free(),
		Objects:      len(s.objects),
		Tasks:        make([]model.TaskOverview, 0, len(s.tasks)),
		RunningTasks: []model.TaskID{},
		ReadyTasks:   []model.TaskID{},
	}
	for _, id := range s.sortedIDs() {
		s.tasks[id].Read(func(t *task.Task) {
			to := model.TaskOverview{
				ID:         t.ID(),
				InstanceID: t.InstanceID(),
				State:      t.StateName(),
				Waiting:    t.WaitingCount(),
				Priority:   t.Priority(),
			}
			switch {
			case t.IsRunning():
				to.CPUs = t.ResourceAllocation().CPUs
				to.EnvID = t.TaskEnv().ID()
				ov.RunningTasks = append(ov.RunningTasks, t.ID())
			case t.IsReady():
				ov.ReadyTasks = append(ov.ReadyTasks, t.ID())
			}
			ov.Tasks = append(ov.Tasks, to)
		})
	}
	return ov
}

// object returns the registry handle of data object id, creating a pending
// object on first reference.
func (s *State) object(id model.TaskID) *dataobj.Ref {
	obj, ok := s.objects[id]
	if !ok {
		obj = dataobj.New(id)
		s.objects[id] = obj
	}
	return obj
}

// RemoveObject drops data object id from the registry after its data has
// been deleted from this worker. Tasks already holding the object keep their
// handle; a later dependant waits for the object to be resolved again. An
// object with waiting consumers cannot be removed.
func (s *State) RemoveObject(id model.TaskID) error {
	obj, ok := s.objects[id]
	if !ok {
		return model.NewNotFoundError("object", id)
	}
	var consumers int
	obj.Read(func(o *dataobj.Object) { consumers = o.ConsumerCount() })
	if consumers > 0 {
		return model.NewConflictError("object %d has %d waiting consumers", id, consumers)
	}
	delete(s.objects, id)
	obj.Release()
	s.logger.Debug("object removed", "object_id", id)
	s.publish()
	return nil
}

// forget drops a retired task from the registry and releases its handles on
// the objects it depended on. Pending objects nobody refers to any more are
// dropped too.
func (s *State) forget(ref *task.Ref) {
	var id model.TaskID
	var deps []*dataobj.Ref
	ref.Read(func(t *task.Task) {
		id = t.ID()
		deps = t.Dependencies()
	})
	delete(s.tasks, id)
	ref.Release()

	for _, dep := range deps {
		var objID model.TaskID
		dep.Read(func(o *dataobj.Object) { objID = o.ID })
		obj, ok := s.objects[objID]
		tracked := ok && obj.Same(dep)
		dep.Release()

		// A removed and re-created object is not ours to drop.
		if !tracked || obj.RefCount() > 1 {
			continue
		}
		var unused bool
		obj.Read(func(o *dataobj.Object) {
			unused = !o.IsAvailable() && o.ConsumerCount() == 0
		})
		if unused {
			delete(s.objects, objID)
			obj.Release()
		}
	}
}

func (s *State) retire(rec model.RunRecord) {
	if s.retired == nil {
		return
	}
	rec.FinishedAt = time.Now()
	if !rec.StartedAt.IsZero() {
		rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	}
	s.retired(rec)
}

func (s *State) enqueue(e readyEntry) {
	s.ready.push(e)
	s.metrics.TaskReady()
	s.logger.Debug("task ready", "task_id", e.id, "instance_id", e.instance)
}

// move shifts one live task between state counters. An empty name stands
// for outside the registry.
func (s *State) move(from, to string) {
	if from != "" {
		s.counts[from]--
	}
	if to != "" {
		s.counts[to]++
	}
}

// publish refreshes the gauges.
func (s *State) publish() {
	s.metrics.SetTaskCounts(s.counts)
	s.metrics.SetCPUsFree(s.pool.Free())
	s.metrics.SetObjects(len(s.objects))
}

func (s *State) sortedIDs() []model.TaskID {
	ids := make([]model.TaskID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func entryOf(t *task.Task) readyEntry {
	return readyEntry{id: t.ID(), instance: t.InstanceID(), priority: t.Priority()}
}

// advance replaces the state of t, enforcing forward-only progression and
// that only a ready task may start.
func advance(t *task.Task, next task.State) {
	from := t.Kind()
	if !from.CanTransitionTo(next.Kind()) || (next.Kind() == task.KindRunning && !t.IsReady()) {
		panic(&task.ContractViolation{TaskID: t.ID(), Op: "transition to " + next.Kind().String(), State: t.StateName()})
	}
	t.State = next
}
