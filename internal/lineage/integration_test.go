//go:build integration

package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// startNeo4j starts a Neo4j testcontainer and returns its bolt URL.
func startNeo4j(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)
	return uri
}

func TestRecorderWritesRunGraph(t *testing.T) {
	ctx := context.Background()
	uri := startNeo4j(t)

	rec, err := NewRecorder(uri, "", "", zap.NewNop())
	require.NoError(t, err)
	defer rec.Close(ctx)
	require.NoError(t, rec.Ping(ctx))
	require.NoError(t, rec.EnsureSchema(ctx))
	require.NoError(t, rec.EnsureSchema(ctx))

	plan := &model.Plan{ID: "wf-neo", Name: "lineage", Pattern: model.PatternSequential, Tasks: []*model.Task{
		{ID: "a", Role: "researcher"},
		{ID: "b", Role: "writer", DependsOn: []string{"a"}},
	}}
	result := &model.WorkflowResult{
		WorkflowID: "wf-neo",
		Status:     model.WorkflowCompleted,
		Success:    true,
		Tasks: []model.TaskOutcome{
			{TaskID: "a", Role: "researcher", Status: model.TaskCompleted, Attempts: 1, Duration: 20 * time.Millisecond},
			{TaskID: "b", Role: "writer", Status: model.TaskCompleted, Attempts: 1, Duration: 30 * time.Millisecond},
		},
	}

	events := []engine.Event{
		{Kind: engine.EventTaskStarted, WorkflowID: "wf-neo", PlanName: "lineage", TaskID: "a", Role: "researcher", Attempt: 1},
		{Kind: engine.EventTaskCompleted, WorkflowID: "wf-neo", TaskID: "a", Status: "completed", Attempt: 1, Duration: 20 * time.Millisecond},
		{Kind: engine.EventCheckpointSaved, WorkflowID: "wf-neo", Checkpoint: 1},
		{Kind: engine.EventWorkflowCompleted, WorkflowID: "wf-neo", PlanName: "lineage", Status: "completed",
			Duration: 50 * time.Millisecond, Plan: plan, Result: result},
	}
	for _, ev := range events {
		require.NoError(t, rec.HandleEvent(ctx, ev), ev.Kind)
	}

	ids, err := rec.RunsOf(ctx, plan.Signature(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-neo"}, ids)

	session := rec.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	res, err := session.Run(ctx, `
		MATCH (:Workflow {id: $id})-[:HAS_TASK]->(t:Task)
		OPTIONAL MATCH (t)-[:DEPENDS_ON]->(d:Task)
		RETURN t.id AS id, t.status AS status, d.id AS dep
		ORDER BY id`, map[string]any{"id": "wf-neo"})
	require.NoError(t, err)
	records, err := res.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	dep, _ := records[1].Get("dep")
	assert.Equal(t, "a", dep)
	status, _ := records[1].Get("status")
	assert.Equal(t, "completed", status)
}
