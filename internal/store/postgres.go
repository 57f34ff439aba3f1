package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// SaveCheckpoint replaces the workflow's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *engine.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO checkpoints (workflow_id, version, data, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id)
		DO UPDATE SET version = EXCLUDED.version, data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`,
		cp.WorkflowID, cp.Version, data, cp.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, workflowID string) (*engine.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM checkpoints WHERE workflow_id = $1`, workflowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrCheckpointNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

func (s *Store) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM checkpoints WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// SaveResult stores a finished workflow's result, replacing an earlier one
// for the same id (a resumed run overwrites its aborted attempt).
func (s *Store) SaveResult(ctx context.Context, r *model.WorkflowResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_results (workflow_id, plan_name, signature, status, success, data, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id)
		DO UPDATE SET plan_name = EXCLUDED.plan_name, signature = EXCLUDED.signature,
			status = EXCLUDED.status, success = EXCLUDED.success,
			data = EXCLUDED.data, finished_at = EXCLUDED.finished_at`,
		r.WorkflowID, r.PlanName, r.Signature, string(r.Status), r.Success, data, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *Store) LoadResult(ctx context.Context, workflowID string) (*model.WorkflowResult, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM workflow_results WHERE workflow_id = $1`, workflowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	var r model.WorkflowResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

// Append implements evaluator.HistoryStore.
func (s *Store) Append(ctx context.Context, ev *evaluator.Evaluation) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO evaluations (workflow_id, signature, score, success_rate, grade, data, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.WorkflowID, ev.Signature, ev.Score, ev.SuccessRate, string(ev.Grade), data, ev.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("append evaluation: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, signature string, limit int, excludeWorkflow string) ([]*evaluator.Evaluation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT data
		FROM evaluations
		WHERE signature = $1 AND workflow_id <> $2
		ORDER BY id DESC
		LIMIT $3`, signature, excludeWorkflow, limit)
	if err != nil {
		return nil, fmt.Errorf("recent evaluations: %w", err)
	}
	defer rows.Close()

	var out []*evaluator.Evaluation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		ev, err := decodeEvaluation(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, workflowID string) (*evaluator.Evaluation, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT data FROM evaluations WHERE workflow_id = $1 ORDER BY id DESC LIMIT 1`, workflowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", evaluator.ErrEvaluationNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return decodeEvaluation(data)
}

func decodeCheckpoint(data []byte) (*engine.Checkpoint, error) {
	var cp engine.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func decodeEvaluation(data []byte) (*evaluator.Evaluation, error) {
	var ev evaluator.Evaluation
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}
	return &ev, nil
}
