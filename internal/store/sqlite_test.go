package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "orchestra.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleCheckpoint(version int64) *engine.Checkpoint {
	return &engine.Checkpoint{
		WorkflowID:       "wf-1",
		CompletedTaskIDs: []string{"a", "b"},
		Version:          version,
		Timestamp:        time.Now(),
		Context: model.SharedContext{
			WorkflowID: "wf-1",
			Version:    3,
			Data:       map[string]any{"a": map[string]any{"value": "x"}},
		},
		Plan: &model.Plan{
			ID:      "wf-1",
			Pattern: model.PatternCheckpointed,
			Tasks: []*model.Task{
				{ID: "a", Role: "worker", Timeout: model.Duration(time.Second)},
				{ID: "b", Role: "worker", DependsOn: []string{"a"}, Priority: model.PriorityHigh},
			},
		},
		Outcomes: []model.TaskOutcome{{TaskID: "a", Status: model.TaskCompleted, Attempts: 1}},
	}
}

func TestSQLiteCheckpoints(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	_, err := db.LoadCheckpoint(ctx, "wf-1")
	require.ErrorIs(t, err, engine.ErrCheckpointNotFound)

	require.NoError(t, db.SaveCheckpoint(ctx, sampleCheckpoint(1)))
	require.NoError(t, db.SaveCheckpoint(ctx, sampleCheckpoint(2)))

	cp, err := db.LoadCheckpoint(ctx, "wf-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cp.Version)
	assert.True(t, cp.Completed("b"))
	assert.EqualValues(t, 3, cp.Context.Version)
	assert.Equal(t, map[string]any{"value": "x"}, cp.Context.Data["a"])
	require.NotNil(t, cp.Plan)
	require.NoError(t, cp.Plan.Validate())
	b, _ := cp.Plan.Task("b")
	assert.Equal(t, model.PriorityHigh, b.Priority)
	a, _ := cp.Plan.Task("a")
	assert.Equal(t, time.Second, a.Timeout.Std())
	require.Len(t, cp.Outcomes, 1)

	require.NoError(t, db.DeleteCheckpoint(ctx, "wf-1"))
	require.NoError(t, db.DeleteCheckpoint(ctx, "wf-1"))
	_, err = db.LoadCheckpoint(ctx, "wf-1")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestSQLiteResults(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	_, err := db.LoadResult(ctx, "wf-9")
	require.ErrorIs(t, err, ErrResultNotFound)

	res := &model.WorkflowResult{
		WorkflowID: "wf-9",
		Signature:  "sig",
		Pattern:    model.PatternParallel,
		Status:     model.WorkflowFailed,
		Tasks:      []model.TaskOutcome{{TaskID: "a", Status: model.TaskFailed, Error: "boom"}},
		Errors:     []model.TaskError{{TaskID: "a", Kind: model.ErrorTask, Message: "boom"}},
		FinishedAt: time.Now(),
		Duration:   time.Second,
	}
	require.NoError(t, db.SaveResult(ctx, res))
	res.Status, res.Success = model.WorkflowCompleted, true
	require.NoError(t, db.SaveResult(ctx, res))

	got, err := db.LoadResult(ctx, "wf-9")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, got.Status)
	assert.True(t, got.Success)
	assert.Equal(t, time.Second, got.Duration)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, model.ErrorTask, got.Errors[0].Kind)
}

func TestSQLiteEvaluationHistory(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	ev := evaluator.New(evaluator.DefaultConfig(), db, zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, ev.Record(ctx, &evaluator.Evaluation{
			WorkflowID: fmt.Sprintf("wf-%d", i), Signature: "sig", Score: 90, SuccessRate: 1,
			Grade: evaluator.GradeExcellent,
		}))
	}

	recent, err := db.Recent(ctx, "sig", 2, "wf-2")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "wf-1", recent[0].WorkflowID)
	assert.Equal(t, "wf-0", recent[1].WorkflowID)

	reg, err := ev.DetectRegression(ctx, &evaluator.Evaluation{WorkflowID: "new", Signature: "sig", Score: 40, SuccessRate: 1}, 5)
	require.NoError(t, err)
	assert.True(t, reg.Detected)
	assert.Equal(t, 3, reg.Samples)

	got, err := ev.Lookup(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, evaluator.GradeExcellent, got.Grade)
	_, err = ev.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, evaluator.ErrEvaluationNotFound)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orchestra.db")

	db, err := OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.SaveCheckpoint(ctx, sampleCheckpoint(4)))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()
	cp, err := db.LoadCheckpoint(ctx, "wf-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, cp.Version)
}
