package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/me/tasknode/internal/metrics"
	"github.com/me/tasknode/internal/store"
	"github.com/me/tasknode/internal/taskenv"
	"github.com/me/tasknode/pkg/model"
)

// scriptRuntime interprets the first word of a command: "ok" exits 0,
// "fail" exits 1 and "block" runs until killed.
type scriptRuntime struct {
	mu   sync.Mutex
	runs []string
}

func (r *scriptRuntime) Name() string { return "script" }

func (r *scriptRuntime) Run(ctx context.Context, spec taskenv.RunSpec) (taskenv.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, spec.WorkDir)
	r.mu.Unlock()

	switch spec.Command[0] {
	case "ok":
		return taskenv.RunResult{ExitCode: 0, Stdout: "out"}, nil
	case "fail":
		return taskenv.RunResult{ExitCode: 1}, nil
	default:
		<-ctx.Done()
		return taskenv.RunResult{ExitCode: -1}, ctx.Err()
	}
}

func (r *scriptRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func startWorker(t *testing.T, ncpus int) (*Worker, *scriptRuntime, context.CancelFunc) {
	t.Helper()
	rt := &scriptRuntime{}
	w, err := New(Config{Name: "test", NCPUs: ncpus, WorkDir: t.TempDir()}, testLogger(), metrics.New(), WithRuntime(rt))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker loop did not stop")
		}
	})
	return w, rt, cancel
}

func command(m model.ComputeTaskMsg, word string) model.ComputeTaskMsg {
	m.Configuration.Command = []string{word}
	return m
}

// eventually polls the overview until cond holds.
func eventually(t *testing.T, w *Worker, cond func(model.WorkerOverview) bool) model.WorkerOverview {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ov, err := w.Overview(context.Background())
		if err != nil {
			t.Fatalf("Overview: %v", err)
		}
		if cond(ov) {
			return ov
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last overview: %+v", ov)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func empty(ov model.WorkerOverview) bool { return len(ov.Tasks) == 0 }

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{NCPUs: 0}, testLogger(), metrics.New()); err == nil {
		t.Error("expected error for zero cpus")
	}
	if _, err := New(Config{NCPUs: 1, Runtime: "podman"}, testLogger(), metrics.New()); err == nil {
		t.Error("expected error for unknown runtime")
	}
	w, err := New(Config{NCPUs: 1}, testLogger(), metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(w.ID()) != len("wrk_")+8 {
		t.Errorf("ID = %q", w.ID())
	}
	if w.name != DefaultName() || w.name == "" {
		t.Errorf("name = %q, want %q", w.name, DefaultName())
	}
}

func TestWorker_RunsChain(t *testing.T) {
	w, rt, _ := startWorker(t, 2)
	ctx := context.Background()

	if err := w.Dispatch(ctx, command(msg(2, 1), "ok")); err != nil {
		t.Fatalf("Dispatch(2): %v", err)
	}
	if err := w.Dispatch(ctx, command(msg(1), "ok")); err != nil {
		t.Fatalf("Dispatch(1): %v", err)
	}

	eventually(t, w, empty)
	if rt.count() != 2 {
		t.Errorf("runs = %d, want 2", rt.count())
	}
}

func TestWorker_ExternalDependency(t *testing.T) {
	w, rt, _ := startWorker(t, 1)
	ctx := context.Background()

	if err := w.Dispatch(ctx, command(msg(1, 100, 101), "ok")); err != nil {
		t.Fatal(err)
	}
	readied, err := w.Resolve(ctx, 100, 8)
	if err != nil || len(readied) != 0 {
		t.Fatalf("Resolve(100) = %v, %v", readied, err)
	}
	ov, _ := w.Overview(ctx)
	if len(ov.Tasks) != 1 || ov.Tasks[0].Waiting != 1 {
		t.Fatalf("overview = %+v, want one task waiting on 1", ov)
	}

	readied, err = w.Resolve(ctx, 101, 8)
	if err != nil || !slices.Equal(readied, []model.TaskID{1}) {
		t.Fatalf("Resolve(101) = %v, %v", readied, err)
	}
	eventually(t, w, empty)
	if rt.count() != 1 {
		t.Errorf("runs = %d, want 1", rt.count())
	}
}

func TestWorker_FailureLeavesDependantWaiting(t *testing.T) {
	w, _, _ := startWorker(t, 1)
	ctx := context.Background()

	w.Dispatch(ctx, command(msg(1), "fail"))
	w.Dispatch(ctx, command(msg(2, 1), "ok"))

	ov := eventually(t, w, func(ov model.WorkerOverview) bool { return len(ov.Tasks) == 1 })
	if ov.Tasks[0].ID != 2 || ov.Tasks[0].State != "waiting" {
		t.Errorf("remaining task = %+v, want 2 waiting", ov.Tasks[0])
	}
}

func TestWorker_CancelRunning(t *testing.T) {
	w, _, _ := startWorker(t, 1)
	ctx := context.Background()

	w.Dispatch(ctx, command(msg(1), "block"))
	w.Dispatch(ctx, command(msg(2), "ok"))
	eventually(t, w, func(ov model.WorkerOverview) bool {
		return slices.Equal(ov.RunningTasks, []model.TaskID{1})
	})

	if err := w.Cancel(ctx, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	eventually(t, w, empty)

	var apiErr *model.APIError
	if err := w.Cancel(ctx, 1); !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("second Cancel = %v, want not found", err)
	}
}

func TestWorker_DispatchErrors(t *testing.T) {
	w, _, _ := startWorker(t, 1)
	ctx := context.Background()

	if err := w.Dispatch(ctx, command(msg(1), "block")); err != nil {
		t.Fatal(err)
	}
	var apiErr *model.APIError
	if err := w.Dispatch(ctx, command(msg(1), "ok")); !errors.As(err, &apiErr) || apiErr.Code != model.ErrConflict {
		t.Errorf("duplicate Dispatch = %v, want conflict", err)
	}
}

func TestWorker_Overview(t *testing.T) {
	w, _, _ := startWorker(t, 3)
	ov, err := w.Overview(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ov.WorkerID != w.ID() || ov.Name != "test" {
		t.Errorf("identity = %q/%q", ov.WorkerID, ov.Name)
	}
	if ov.CPUsTotal != 3 || ov.CPUsFree != 3 {
		t.Errorf("cpus = %d/%d, want 3/3", ov.CPUsFree, ov.CPUsTotal)
	}
}

func TestWorker_StoppedRejectsRequests(t *testing.T) {
	w, _, cancel := startWorker(t, 1)
	ctx := context.Background()
	w.Dispatch(ctx, command(msg(1), "block"))

	cancel()
	<-w.stopped

	if err := w.Dispatch(ctx, command(msg(2), "ok")); !errors.Is(err, ErrStopped) {
		t.Errorf("Dispatch after stop = %v, want ErrStopped", err)
	}
	if _, err := w.Overview(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Overview after stop = %v, want ErrStopped", err)
	}
	if w.state.Len() != 0 {
		t.Errorf("tasks left after shutdown: %d", w.state.Len())
	}
}

func TestWorker_RequestContextCancelled(t *testing.T) {
	rt := &scriptRuntime{}
	w, err := New(Config{NCPUs: 1, WorkDir: t.TempDir()}, testLogger(), metrics.New(), WithRuntime(rt))
	if err != nil {
		t.Fatal(err)
	}
	// The loop is not running, so the request cannot complete.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Overview(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Overview = %v, want deadline exceeded", err)
	}
}

func TestWorker_History(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	w, err := New(Config{NCPUs: 1, WorkDir: t.TempDir()}, testLogger(), metrics.New(),
		WithRuntime(&scriptRuntime{}), WithHistory(st))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Dispatch(ctx, command(msg(1), "ok"))
	w.Dispatch(ctx, command(msg(2), "block"))
	eventually(t, w, func(ov model.WorkerOverview) bool {
		return len(ov.Tasks) == 1 && ov.Tasks[0].State == "running"
	})

	// Shutdown cancels task 2 and flushes the journal before Run returns.
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, err := w.History(context.Background(), model.RunQuery{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %+v, want 2", runs)
	}
	if runs[0].TaskID != 2 || runs[0].Outcome != "cancelled" {
		t.Errorf("newest run = %+v, want task 2 cancelled", runs[0])
	}
	if runs[1].TaskID != 1 || runs[1].Outcome != "success" {
		t.Errorf("oldest run = %+v, want task 1 success", runs[1])
	}
}

func TestWorker_HistoryDisabled(t *testing.T) {
	w, _, _ := startWorker(t, 1)
	_, err := w.History(context.Background(), model.RunQuery{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrUnavailable {
		t.Errorf("History = %v, want unavailable", err)
	}
}
