package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/config"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

func TestParseContext(t *testing.T) {
	got, err := parseContext([]string{"topic=go", "limit=3", `tags=["a","b"]`, "empty="})
	if err != nil {
		t.Fatalf("parseContext: %v", err)
	}
	if got["topic"] != "go" {
		t.Errorf("topic = %v", got["topic"])
	}
	if got["limit"] != float64(3) {
		t.Errorf("limit = %#v, want 3", got["limit"])
	}
	if tags, ok := got["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %#v", got["tags"])
	}
	if got["empty"] != "" {
		t.Errorf("empty = %#v", got["empty"])
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseContext([]string{bad}); err == nil {
			t.Errorf("parseContext(%q) should fail", bad)
		}
	}
	if got, err := parseContext(nil); err != nil || got != nil {
		t.Errorf("parseContext(nil) = %v, %v", got, err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "orchestra.db")
	cfg.Engine.CheckpointStore = config.StoreSQLite
	cfg.Telemetry.Enabled = true
	cfg.Orchestrator.Roles = []config.RoleConfig{
		{Name: "researcher", Capabilities: []string{"research"}, Handler: "echo"},
		{Name: "writer", Capabilities: []string{"write"}, Handler: "merge"},
		{Name: "breaker", Capabilities: []string{"break"}, Handler: "fail"},
	}
	return cfg
}

func TestAppRunsPlanAndPersists(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if a.metrics == nil {
		t.Fatal("telemetry enabled but metrics not wired")
	}

	plan := &model.Plan{Name: "cli", Tasks: []*model.Task{
		{ID: "find", Role: "researcher", Input: map[string]any{"topic": "go"}},
		{ID: "draft", Role: "writer", DependsOn: []string{"find"}},
	}}
	rep, err := a.orch.Run(ctx, plan, map[string]any{"audience": "ops"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var buf bytes.Buffer
	if err := printReport(&buf, rep); err != nil {
		t.Fatalf("printReport: %v", err)
	}
	var decoded struct {
		Result struct {
			WorkflowID string `json:"workflow_id"`
			Success    bool   `json:"success"`
		} `json:"result"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, buf.String())
	}
	if !decoded.Result.Success || decoded.Result.WorkflowID == "" || decoded.Summary == "" {
		t.Errorf("unexpected report: %s", buf.String())
	}

	stored, err := a.results.LoadResult(ctx, rep.Result.WorkflowID)
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if stored.Status != model.WorkflowCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestPrintReportFailure(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	plan := &model.Plan{Tasks: []*model.Task{{ID: "boom", Role: "breaker", Input: map[string]any{"message": "nope"}}}}
	rep, err := a.orch.Run(ctx, plan, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var buf bytes.Buffer
	if err := printReport(&buf, rep); !errors.Is(err, errWorkflowFailed) {
		t.Fatalf("printReport error = %v, want errWorkflowFailed", err)
	}
	if buf.Len() == 0 {
		t.Error("report should still be printed on failure")
	}
}

func TestResumeUnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if _, err := a.orch.Resume(ctx, "missing"); !errors.Is(err, engine.ErrCheckpointNotFound) {
		t.Fatalf("Resume error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestNewAppRejectsUnknownHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.Roles = append(cfg.Orchestrator.Roles, config.RoleConfig{
		Name: "ghost", Capabilities: []string{"haunt"}, Handler: "nope"})
	if _, err := newApp(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected unknown handler error")
	}
}

func TestBindings(t *testing.T) {
	got := bindings([]config.RoleConfig{{Name: "r", Capabilities: []string{"x"}, Priority: 2, Handler: "echo"}})
	if len(got) != 1 || got[0].Role.Name != "r" || got[0].Role.Priority != 2 || got[0].Handler != "echo" {
		t.Errorf("bindings = %+v", got)
	}
}

func TestShippedPlanLoads(t *testing.T) {
	plan, err := model.LoadPlan(filepath.Join("..", "..", "configs", "plans", "article.yaml"))
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(plan.Tasks) != 4 || plan.Tasks[0].Priority != model.PriorityHigh {
		t.Errorf("unexpected plan: %+v", plan.Tasks[0])
	}
}
