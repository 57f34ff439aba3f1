package lineage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

func TestEdgeParams(t *testing.T) {
	plan := &model.Plan{Tasks: []*model.Task{
		{ID: "a", Role: "r"},
		{ID: "b", Role: "r", DependsOn: []string{"a"}},
		{ID: "c", Role: "r", DependsOn: []string{"a", "b"}},
	}}
	assert.Equal(t, []any{
		map[string]any{"from": "b", "to": "a"},
		map[string]any{"from": "c", "to": "a"},
		map[string]any{"from": "c", "to": "b"},
	}, edgeParams(plan))
	assert.Nil(t, edgeParams(&model.Plan{Tasks: []*model.Task{{ID: "a"}}}))
}

func TestTaskParamsFromResult(t *testing.T) {
	res := &model.WorkflowResult{Tasks: []model.TaskOutcome{
		{TaskID: "a", Role: "r", Status: model.TaskCompleted, Attempts: 2, Duration: 1500 * time.Millisecond, Compensated: true},
		{TaskID: "b", Role: "r", Status: model.TaskCancelled, Skipped: true},
	}}
	got := taskParams(res)
	assert.Len(t, got, 2)
	first, second := got[0].(map[string]any), got[1].(map[string]any)
	assert.Equal(t, "completed", first["status"])
	assert.Equal(t, int64(1500), first["duration_ms"])
	assert.Equal(t, true, first["compensated"])
	assert.Equal(t, true, second["skipped"])
}

func TestPlanTaskParamsArePending(t *testing.T) {
	got := planTaskParams(&model.Plan{Tasks: []*model.Task{{ID: "a", Role: "r"}}})
	task := got[0].(map[string]any)
	assert.Equal(t, "pending", task["status"])
	assert.Equal(t, "r", task["role"])
}
