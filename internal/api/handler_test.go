package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
	"github.com/nidhogg/nuka-orchestra/internal/store"
	"github.com/nidhogg/nuka-orchestra/internal/telemetry"
	"github.com/nidhogg/nuka-orchestra/internal/worker"
)

type memResults struct {
	mu      sync.Mutex
	results map[string]*model.WorkflowResult
}

func (m *memResults) SaveResult(_ context.Context, r *model.WorkflowResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]*model.WorkflowResult)
	}
	m.results[r.WorkflowID] = r
	return nil
}

func (m *memResults) LoadResult(_ context.Context, id string) (*model.WorkflowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, store.ErrResultNotFound
	}
	return r, nil
}

type testEnv struct {
	handler *Handler
	orch    *orchestrator.Orchestrator
	results *memResults
	ts      *httptest.Server
}

// newTestEnv wires a Handler to in-memory deps and the built-in workers.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	q := queue.New(queue.Config{Workers: 4, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
		RetryMode: queue.RetryTransient}, logger)
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	reg := orchestrator.NewRegistry(logger)
	cat := worker.NewCatalog(logger)
	err := cat.Bind(reg, []worker.Binding{
		{Role: orchestrator.Role{Name: "researcher", Capabilities: []string{"research"}}, Handler: worker.KindEcho},
		{Role: orchestrator.Role{Name: "writer", Capabilities: []string{"write"}}, Handler: worker.KindMerge},
		{Role: orchestrator.Role{Name: "waiter", Capabilities: []string{"wait"}}, Handler: worker.KindDelay},
	})
	if err != nil {
		t.Fatalf("bind workers: %v", err)
	}

	metrics, err := telemetry.New(logger)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	t.Cleanup(func() { metrics.Shutdown(context.Background()) })

	c := comm.New(comm.Config{}, nil, logger)
	eng := engine.New(engine.Config{WaitGrace: 2 * time.Second}, q, c, reg, engine.NewMemoryCheckpoints(), logger)
	eng.Subscribe(metrics)
	t.Cleanup(eng.Close)

	results := &memResults{}
	orch := orchestrator.New(orchestrator.Config{}, reg, eng, c, evaluator.New(evaluator.DefaultConfig(), nil, logger), results, logger)
	t.Cleanup(orch.Close)

	h := NewHandler(orch, q, results, metrics, nil, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return &testEnv{handler: h, orch: orch, results: results, ts: ts}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func researchAndWrite() map[string]interface{} {
	return map[string]interface{}{
		"description": "write a report",
		"requirements": []map[string]interface{}{
			{"key": "facts", "capabilities": []string{"research"}, "input": map[string]any{"text": "go is fast"}},
			{"key": "report", "capabilities": []string{"write"}, "depends_on": []string{"facts"}, "input": map[string]any{"key": "text"}},
		},
		"context": map[string]any{"audience": "engineers"},
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	resp := getJSON(t, env.ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestListRoles(t *testing.T) {
	env := newTestEnv(t)

	var roles []orchestrator.Role
	resp := getJSON(t, env.ts, "/api/roles")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &roles)
	if len(roles) != 3 || roles[0].Name != "researcher" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}

func TestExecuteWorkflowSync(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts, "/api/workflows", researchAndWrite())
	expectStatus(t, resp, http.StatusOK)
	var rep orchestrator.Report
	decodeJSON(t, resp, &rep)

	if !rep.Result.Success {
		t.Fatalf("expected success, got %+v", rep.Result.Errors)
	}
	if rep.Plan.Pattern != model.PatternParallel {
		t.Errorf("expected parallel default for a cross-role plan, got %s", rep.Plan.Pattern)
	}
	out, _ := rep.Result.Outcome("report")
	values, _ := out.Output["values"].([]any)
	if len(values) != 1 || values[0] != "go is fast" {
		t.Errorf("writer did not merge research output: %v", out.Output)
	}
	if rep.Evaluation == nil || rep.Evaluation.Grade == "" {
		t.Errorf("expected an evaluation, got %+v", rep.Evaluation)
	}
	if rep.Result.Context.Data["audience"] != "engineers" {
		t.Errorf("initial context missing: %v", rep.Result.Context.Data)
	}

	// Persisted and queryable afterwards.
	id := rep.Result.WorkflowID
	var res model.WorkflowResult
	resp = getJSON(t, env.ts, "/api/workflows/"+id)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &res)
	if res.Status != model.WorkflowCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}

	var ev evaluator.Evaluation
	resp = getJSON(t, env.ts, "/api/workflows/"+id+"/evaluation")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &ev)
	if ev.WorkflowID != id {
		t.Errorf("evaluation for wrong workflow: %s", ev.WorkflowID)
	}

	var shared model.SharedContext
	resp = getJSON(t, env.ts, "/api/workflows/"+id+"/context")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &shared)
	if _, ok := shared.Data["facts"]; !ok {
		t.Errorf("task output not in shared context: %v", shared.Data)
	}
}

func TestExecuteWorkflowAsync(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"description": "slow",
		"requirements": []map[string]interface{}{
			{"key": "nap", "capabilities": []string{"wait"}, "input": map[string]any{"duration": "20ms"}},
		},
		"async": true,
	}
	resp := postJSON(t, env.ts, "/api/workflows", body)
	expectStatus(t, resp, http.StatusAccepted)
	var acc acceptedResponse
	decodeJSON(t, resp, &acc)
	if acc.WorkflowID == "" {
		t.Fatal("expected a workflow id")
	}

	if _, err := env.orch.Engine().Wait(context.Background(), acc.WorkflowID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := env.results.LoadResult(context.Background(), acc.WorkflowID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecutePlan(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"plan": map[string]interface{}{
			"id":      "explicit-1",
			"pattern": "parallel",
			"tasks": []map[string]interface{}{
				{"id": "a", "role": "researcher"},
				{"id": "b", "role": "researcher"},
				{"id": "c", "role": "writer", "depends_on": []string{"a", "b"}},
			},
		},
	}
	resp := postJSON(t, env.ts, "/api/plans", body)
	expectStatus(t, resp, http.StatusOK)
	var rep orchestrator.Report
	decodeJSON(t, resp, &rep)
	if rep.Result.WorkflowID != "explicit-1" || !rep.Result.Success {
		t.Fatalf("unexpected result: %+v", rep.Result)
	}

	// Sinks receive events asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var points []telemetry.Point
		resp = getJSON(t, env.ts, "/api/metrics")
		expectStatus(t, resp, http.StatusOK)
		decodeJSON(t, resp, &points)
		if len(points) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected metrics after a run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unassignable", "/api/workflows", map[string]interface{}{
			"requirements": []map[string]interface{}{{"key": "x", "capabilities": []string{"juggle"}}},
		}, http.StatusUnprocessableEntity},
		{"empty", "/api/workflows", map[string]interface{}{}, http.StatusUnprocessableEntity},
		{"bad pattern", "/api/workflows", map[string]interface{}{
			"pattern":      "zigzag",
			"requirements": []map[string]interface{}{{"key": "research"}},
		}, http.StatusUnprocessableEntity},
		{"cycle", "/api/plans", map[string]interface{}{
			"plan": map[string]interface{}{"tasks": []map[string]interface{}{
				{"id": "a", "role": "researcher", "depends_on": []string{"b"}},
				{"id": "b", "role": "researcher", "depends_on": []string{"a"}},
			}},
		}, http.StatusUnprocessableEntity},
		{"no handler", "/api/plans", map[string]interface{}{
			"plan": map[string]interface{}{"tasks": []map[string]interface{}{{"id": "a", "role": "ghost"}}},
		}, http.StatusUnprocessableEntity},
		{"null task", "/api/plans", map[string]interface{}{
			"plan": map[string]interface{}{"tasks": []interface{}{nil}},
		}, http.StatusUnprocessableEntity},
		{"null task async", "/api/plans", map[string]interface{}{
			"plan":  map[string]interface{}{"tasks": []interface{}{nil}},
			"async": true,
		}, http.StatusUnprocessableEntity},
		{"missing plan", "/api/plans", map[string]interface{}{}, http.StatusBadRequest},
		{"cancel unknown", "/api/workflows/nope/cancel", nil, http.StatusNotFound},
		{"resume without checkpoint", "/api/workflows/nope/checkpoint/resume", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, env.ts, tt.path, tt.body)
			expectStatus(t, resp, tt.want)
			resp.Body.Close()
		})
	}

	for _, path := range []string{"/api/workflows/nope", "/api/workflows/nope/evaluation", "/api/workflows/nope/context"} {
		resp := getJSON(t, env.ts, path)
		expectStatus(t, resp, http.StatusNotFound)
		resp.Body.Close()
	}
}

func TestPauseConflictsAfterCompletion(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts, "/api/workflows", researchAndWrite())
	expectStatus(t, resp, http.StatusOK)
	var rep orchestrator.Report
	decodeJSON(t, resp, &rep)

	resp = postJSON(t, env.ts, "/api/workflows/"+rep.Result.WorkflowID+"/pause", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestMessagesAndQueueStats(t *testing.T) {
	env := newTestEnv(t)
	c := env.orch.Comm()
	for i := 0; i < 3; i++ {
		if _, err := c.SendMessage(context.Background(), comm.Message{
			WorkflowID: "wf-msg", Type: comm.MessageDirect, From: "researcher", To: "writer",
		}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var msgs []comm.Message
	resp := getJSON(t, env.ts, "/api/workflows/wf-msg/messages?limit=2&type=direct")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &msgs)
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(msgs))
	}

	resp = getJSON(t, env.ts, "/api/workflows/wf-msg/messages?limit=x")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	var stats queue.Stats
	resp = getJSON(t, env.ts, "/api/queue/stats")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &stats)
	if stats.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", stats.Workers)
	}
}

func TestStoredResultFallback(t *testing.T) {
	env := newTestEnv(t)
	env.results.SaveResult(context.Background(), &model.WorkflowResult{
		WorkflowID: "old-run", Status: model.WorkflowFailed,
	})

	var res model.WorkflowResult
	resp := getJSON(t, env.ts, "/api/workflows/old-run")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &res)
	if res.Status != model.WorkflowFailed {
		t.Errorf("expected stored failed result, got %s", res.Status)
	}
}
