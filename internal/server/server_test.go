package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/me/tasknode/internal/logging"
	"github.com/me/tasknode/internal/metrics"
	"github.com/me/tasknode/internal/worker"
	"github.com/me/tasknode/pkg/model"
)

// fakeNode records calls and returns canned results.
type fakeNode struct {
	dispatched []model.ComputeTaskMsg
	cancelled  []model.TaskID
	resolved   map[model.TaskID]uint64
	removed    []model.TaskID
	readied    []model.TaskID
	queries    []model.RunQuery
	err        error
}

func (n *fakeNode) Dispatch(_ context.Context, msg model.ComputeTaskMsg) error {
	if n.err != nil {
		return n.err
	}
	n.dispatched = append(n.dispatched, msg)
	return nil
}

func (n *fakeNode) Resolve(_ context.Context, id model.TaskID, size uint64) ([]model.TaskID, error) {
	if n.err != nil {
		return nil, n.err
	}
	if n.resolved == nil {
		n.resolved = map[model.TaskID]uint64{}
	}
	n.resolved[id] = size
	return n.readied, nil
}

func (n *fakeNode) Cancel(_ context.Context, id model.TaskID) error {
	if n.err != nil {
		return n.err
	}
	n.cancelled = append(n.cancelled, id)
	return nil
}

func (n *fakeNode) RemoveObject(_ context.Context, id model.TaskID) error {
	if n.err != nil {
		return n.err
	}
	n.removed = append(n.removed, id)
	return nil
}

func (n *fakeNode) Overview(context.Context) (model.WorkerOverview, error) {
	if n.err != nil {
		return model.WorkerOverview{}, n.err
	}
	return model.WorkerOverview{WorkerID: "wrk_test", CPUsTotal: 4, CPUsFree: 4}, nil
}

func (n *fakeNode) History(_ context.Context, q model.RunQuery) ([]model.RunRecord, error) {
	if n.err != nil {
		return nil, n.err
	}
	n.queries = append(n.queries, q)
	return []model.RunRecord{{TaskID: 4, Outcome: "success"}}, nil
}

func testServer(node Node, opts ...Option) *Server {
	return New(node, logging.Discard(), opts...)
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v, body=%s", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func TestHealth(t *testing.T) {
	code, env := do(t, testServer(&fakeNode{}), "GET", "/api/v1/health", "")
	if code != http.StatusOK {
		t.Fatalf("status=%d, want 200", code)
	}
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != Version {
		t.Errorf("health = %+v", data)
	}
}

func TestOverview(t *testing.T) {
	code, env := do(t, testServer(&fakeNode{}), "GET", "/api/v1/overview", "")
	if code != http.StatusOK {
		t.Fatalf("status=%d, want 200", code)
	}
	var ov model.WorkerOverview
	json.Unmarshal(env.Data, &ov)
	if ov.WorkerID != "wrk_test" || ov.CPUsTotal != 4 {
		t.Errorf("overview = %+v", ov)
	}
}

func TestHistory(t *testing.T) {
	node := &fakeNode{}
	code, env := do(t, testServer(node), "GET", "/api/v1/history?task_id=4&limit=10", "")
	if code != http.StatusOK {
		t.Fatalf("status=%d, error=%v", code, env.Error)
	}
	if len(node.queries) != 1 || node.queries[0] != (model.RunQuery{TaskID: 4, Limit: 10}) {
		t.Errorf("queries = %+v", node.queries)
	}
	var runs []model.RunRecord
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 1 || runs[0].Outcome != "success" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestHistory_BadQuery(t *testing.T) {
	for _, path := range []string{"/api/v1/history?limit=x", "/api/v1/history?task_id=-1"} {
		if code, _ := do(t, testServer(&fakeNode{}), "GET", path, ""); code != http.StatusBadRequest {
			t.Errorf("GET %s: status=%d, want 400", path, code)
		}
	}
}

func TestDispatchTask(t *testing.T) {
	node := &fakeNode{}
	body := `{"id":7,"instance_id":2,"user_priority":3,"configuration":{"command":["echo","hi"],"resources":{"cpus":2}},"dependencies":[1,2]}`
	code, env := do(t, testServer(node), "POST", "/api/v1/tasks/", body)

	if code != http.StatusCreated {
		t.Fatalf("status=%d, want 201, error=%v", code, env.Error)
	}
	if len(node.dispatched) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(node.dispatched))
	}
	msg := node.dispatched[0]
	if msg.ID != 7 || msg.InstanceID != 2 || msg.UserPriority != 3 {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Configuration.Resources.CPUs != 2 || len(msg.Dependencies) != 2 {
		t.Errorf("configuration = %+v, deps = %v", msg.Configuration, msg.Dependencies)
	}
}

func TestDispatchTask_InvalidJSON(t *testing.T) {
	code, env := do(t, testServer(&fakeNode{}), "POST", "/api/v1/tasks/", "not json")
	if code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", code)
	}
	if env.Status != "error" || env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("envelope = %+v", env)
	}
}

func TestCancelTask(t *testing.T) {
	node := &fakeNode{}
	code, _ := do(t, testServer(node), "DELETE", "/api/v1/tasks/42", "")
	if code != http.StatusOK {
		t.Fatalf("status=%d, want 200", code)
	}
	if len(node.cancelled) != 1 || node.cancelled[0] != 42 {
		t.Errorf("cancelled = %v, want [42]", node.cancelled)
	}
}

func TestCancelTask_BadID(t *testing.T) {
	code, env := do(t, testServer(&fakeNode{}), "DELETE", "/api/v1/tasks/abc", "")
	if code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", code)
	}
	if env.Error == nil || env.Error.Details[0].Field != "id" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestResolveObject(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantSize uint64
	}{
		{"no body", "", 0},
		{"with size", `{"size":512}`, 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &fakeNode{readied: []model.TaskID{3}}
			code, env := do(t, testServer(node), "POST", "/api/v1/objects/9/available", tt.body)
			if code != http.StatusOK {
				t.Fatalf("status=%d, want 200, error=%v", code, env.Error)
			}
			if size, ok := node.resolved[9]; !ok || size != tt.wantSize {
				t.Errorf("resolved = %v, want 9:%d", node.resolved, tt.wantSize)
			}
			var data struct {
				Ready []model.TaskID `json:"ready"`
			}
			json.Unmarshal(env.Data, &data)
			if len(data.Ready) != 1 || data.Ready[0] != 3 {
				t.Errorf("ready = %v, want [3]", data.Ready)
			}
		})
	}
}

func TestRemoveObject(t *testing.T) {
	node := &fakeNode{}
	code, env := do(t, testServer(node), "DELETE", "/api/v1/objects/12", "")
	if code != http.StatusOK {
		t.Fatalf("status=%d, want 200, error=%v", code, env.Error)
	}
	if len(node.removed) != 1 || node.removed[0] != 12 {
		t.Errorf("removed = %v, want [12]", node.removed)
	}

	code, _ = do(t, testServer(&fakeNode{err: model.NewConflictError("busy")}), "DELETE", "/api/v1/objects/12", "")
	if code != http.StatusConflict {
		t.Errorf("status=%d, want 409", code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  model.ErrorCode
	}{
		{"validation", model.NewValidationError("bad"), http.StatusBadRequest, model.ErrValidation},
		{"not found", model.NewNotFoundError("task", 1), http.StatusNotFound, model.ErrNotFound},
		{"conflict", model.NewConflictError("dup"), http.StatusConflict, model.ErrConflict},
		{"wrapped", fmt.Errorf("dispatch: %w", model.NewConflictError("dup")), http.StatusConflict, model.ErrConflict},
		{"stopped", worker.ErrStopped, http.StatusServiceUnavailable, model.ErrUnavailable},
		{"other", fmt.Errorf("disk full"), http.StatusInternalServerError, model.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, testServer(&fakeNode{err: tt.err}), "DELETE", "/api/v1/tasks/1", "")
			if code != tt.wantCode {
				t.Errorf("status=%d, want %d", code, tt.wantCode)
			}
			if env.Error == nil || env.Error.Code != tt.wantErr {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantErr)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.TaskDispatched()
	srv := testServer(&fakeNode{}, WithMetricsHandler(m.Handler()))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tasknode_tasks_dispatched_total 1") {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}
}

func TestMetricsEndpoint_NotMounted(t *testing.T) {
	w := httptest.NewRecorder()
	testServer(&fakeNode{}).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", w.Code)
	}
}

func TestResponseEnvelope_RequestID(t *testing.T) {
	srv := testServer(&fakeNode{})
	_, env := do(t, srv, "GET", "/api/v1/health", "")
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}
	if env.Timestamp == "" {
		t.Error("timestamp is empty")
	}

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "sched-123")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "sched-123" {
		t.Errorf("X-Request-ID = %q, want caller's id", got)
	}
}

func TestWithWorker(t *testing.T) {
	w, err := worker.New(worker.Config{NCPUs: 1, WorkDir: t.TempDir()}, logging.Discard(), metrics.New())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := testServer(w)
	code, env := do(t, srv, "POST", "/api/v1/tasks/", `{"id":1,"configuration":{"command":["true"]},"dependencies":[5]}`)
	if code != http.StatusCreated {
		t.Fatalf("dispatch status=%d, error=%v", code, env.Error)
	}
	code, _ = do(t, srv, "POST", "/api/v1/tasks/", `{"id":1,"configuration":{"command":["true"]}}`)
	if code != http.StatusConflict {
		t.Errorf("duplicate dispatch status=%d, want 409", code)
	}

	_, env = do(t, srv, "GET", "/api/v1/overview", "")
	var ov model.WorkerOverview
	json.Unmarshal(env.Data, &ov)
	if len(ov.Tasks) != 1 || ov.Tasks[0].State != "waiting" {
		t.Errorf("overview tasks = %+v", ov.Tasks)
	}

	if code, _ := do(t, srv, "DELETE", "/api/v1/tasks/1", ""); code != http.StatusOK {
		t.Errorf("cancel status=%d", code)
	}
	if code, _ := do(t, srv, "DELETE", "/api/v1/tasks/1", ""); code != http.StatusNotFound {
		t.Errorf("second cancel status=%d, want 404", code)
	}

	// The pending input of the cancelled task went with it.
	if code, _ := do(t, srv, "DELETE", "/api/v1/objects/5", ""); code != http.StatusNotFound {
		t.Errorf("remove dropped object status=%d, want 404", code)
	}
	if code, _ := do(t, srv, "POST", "/api/v1/objects/6/available", ""); code != http.StatusOK {
		t.Fatalf("resolve status=%d", code)
	}
	if code, _ := do(t, srv, "DELETE", "/api/v1/objects/6", ""); code != http.StatusOK {
		t.Errorf("remove status=%d, want 200", code)
	}
	_, env = do(t, srv, "GET", "/api/v1/overview", "")
	json.Unmarshal(env.Data, &ov)
	if ov.Objects != 0 {
		t.Errorf("objects = %d, want 0", ov.Objects)
	}
}
