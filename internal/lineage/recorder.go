package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// Recorder mirrors workflow runs into Neo4j as an engine.EventSink:
//
//	(:Plan {signature})<-[:RUN_OF]-(:Workflow {id})-[:HAS_TASK]->(:Task)
//	(:Task)-[:DEPENDS_ON]->(:Task)
//
// Task nodes are keyed by (workflow_id, id) and track live status.
type Recorder struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRecorder creates a Neo4j-backed recorder.
func NewRecorder(uri, user, password string, logger *zap.Logger) (*Recorder, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Recorder{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE CONSTRAINT workflow_id IF NOT EXISTS FOR (w:Workflow) REQUIRE w.id IS UNIQUE`,
		`CREATE CONSTRAINT plan_signature IF NOT EXISTS FOR (p:Plan) REQUIRE p.signature IS UNIQUE`,
	} {
		if err := r.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *Recorder) HandleEvent(ctx context.Context, ev engine.Event) error {
	switch ev.Kind {
	case engine.EventTaskStarted:
		return r.run(ctx, `
			MERGE (w:Workflow {id: $workflowId})
			  ON CREATE SET w.plan_name = $planName, w.status = 'running', w.started_at = datetime()
			MERGE (t:Task {workflow_id: $workflowId, id: $taskId})
			SET t.role = $role, t.status = 'running', t.attempt = $attempt
			MERGE (w)-[:HAS_TASK]->(t)`,
			map[string]any{
				"workflowId": ev.WorkflowID,
				"planName":   ev.PlanName,
				"taskId":     ev.TaskID,
				"role":       ev.Role,
				"attempt":    ev.Attempt,
			})
	case engine.EventTaskCompleted, engine.EventTaskFailed:
		return r.run(ctx, `
			MERGE (t:Task {workflow_id: $workflowId, id: $taskId})
			SET t.status = $status, t.duration_ms = $durationMs, t.error = $error, t.attempt = $attempt`,
			map[string]any{
				"workflowId": ev.WorkflowID,
				"taskId":     ev.TaskID,
				"status":     ev.Status,
				"durationMs": ev.Duration.Milliseconds(),
				"error":      ev.Error,
				"attempt":    ev.Attempt,
			})
	case engine.EventCheckpointSaved:
		return r.run(ctx, `
			MERGE (w:Workflow {id: $workflowId})
			SET w.checkpoint = $checkpoint`,
			map[string]any{"workflowId": ev.WorkflowID, "checkpoint": ev.Checkpoint})
	case engine.EventWorkflowCompleted, engine.EventWorkflowFailed:
		return r.recordRun(ctx, ev)
	}
	return nil
}

// recordRun writes the full plan graph and the final outcome. Tasks that
// never started only appear here.
func (r *Recorder) recordRun(ctx context.Context, ev engine.Event) error {
	params := map[string]any{
		"workflowId": ev.WorkflowID,
		"planName":   ev.PlanName,
		"status":     ev.Status,
		"durationMs": ev.Duration.Milliseconds(),
		"signature":  "",
		"pattern":    "",
		"success":    ev.Kind == engine.EventWorkflowCompleted,
		"tasks":      []any{},
		"edges":      []any{},
	}
	if ev.Plan != nil {
		params["signature"] = ev.Plan.Signature()
		params["pattern"] = string(ev.Plan.Pattern)
		params["edges"] = edgeParams(ev.Plan)
	}
	if ev.Result != nil {
		params["tasks"] = taskParams(ev.Result)
	} else if ev.Plan != nil {
		params["tasks"] = planTaskParams(ev.Plan)
	}

	err := r.run(ctx, `
		MERGE (w:Workflow {id: $workflowId})
		SET w.plan_name = $planName, w.status = $status, w.success = $success,
		    w.pattern = $pattern, w.duration_ms = $durationMs, w.finished_at = datetime()
		WITH w
		UNWIND $tasks AS task
		MERGE (t:Task {workflow_id: $workflowId, id: task.id})
		SET t.role = task.role, t.status = task.status, t.attempt = task.attempts,
		    t.duration_ms = task.duration_ms, t.skipped = task.skipped, t.compensated = task.compensated
		MERGE (w)-[:HAS_TASK]->(t)`, params)
	if err != nil {
		return fmt.Errorf("record workflow %s: %w", ev.WorkflowID, err)
	}

	err = r.run(ctx, `
		UNWIND $edges AS edge
		MATCH (t:Task {workflow_id: $workflowId, id: edge.from}), (d:Task {workflow_id: $workflowId, id: edge.to})
		MERGE (t)-[:DEPENDS_ON]->(d)`, params)
	if err != nil {
		return fmt.Errorf("record dependencies %s: %w", ev.WorkflowID, err)
	}

	if sig, _ := params["signature"].(string); sig != "" {
		err = r.run(ctx, `
			MERGE (p:Plan {signature: $signature})
			  ON CREATE SET p.name = $planName, p.pattern = $pattern
			WITH p
			MATCH (w:Workflow {id: $workflowId})
			MERGE (w)-[:RUN_OF]->(p)`, params)
		if err != nil {
			return fmt.Errorf("link plan %s: %w", ev.WorkflowID, err)
		}
	}

	r.logger.Debug("lineage recorded", zap.String("workflow", ev.WorkflowID), zap.String("status", ev.Status))
	return nil
}

// RunsOf returns the workflow ids recorded for a plan signature, newest
// first.
func (r *Recorder) RunsOf(ctx context.Context, signature string, limit int) ([]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (w:Workflow)-[:RUN_OF]->(:Plan {signature: $signature})
		 RETURN w.id AS id
		 ORDER BY w.finished_at DESC LIMIT $limit`,
		map[string]any{"signature": signature, "limit": limit})
	if err != nil {
		return nil, err
	}

	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok {
			ids = append(ids, v.(string))
		}
	}
	return ids, result.Err()
}

func (r *Recorder) run(ctx context.Context, cypher string, params map[string]any) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

func taskParams(res *model.WorkflowResult) []any {
	out := make([]any, 0, len(res.Tasks))
	for _, o := range res.Tasks {
		out = append(out, map[string]any{
			"id":          o.TaskID,
			"role":        o.Role,
			"status":      string(o.Status),
			"attempts":    o.Attempts,
			"duration_ms": o.Duration.Milliseconds(),
			"skipped":     o.Skipped,
			"compensated": o.Compensated,
		})
	}
	return out
}

func planTaskParams(plan *model.Plan) []any {
	out := make([]any, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		out = append(out, map[string]any{
			"id":          t.ID,
			"role":        t.Role,
			"status":      string(model.TaskPending),
			"attempts":    0,
			"duration_ms": int64(0),
			"skipped":     false,
			"compensated": false,
		})
	}
	return out
}

// edgeParams lists dependency edges from dependent to dependency.
func edgeParams(plan *model.Plan) []any {
	var out []any
	for _, t := range plan.Tasks {
		for _, d := range t.DependsOn {
			out = append(out, map[string]any{"from": t.ID, "to": d})
		}
	}
	return out
}
