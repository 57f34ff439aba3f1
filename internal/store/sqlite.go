package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	workflow_id TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	data        TEXT    NOT NULL,
	saved_at    DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_results (
	workflow_id TEXT PRIMARY KEY,
	signature   TEXT NOT NULL,
	status      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	data        TEXT NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS evaluations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id  TEXT NOT NULL,
	signature    TEXT NOT NULL,
	score        REAL NOT NULL,
	data         TEXT NOT NULL,
	evaluated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS evaluations_signature_idx ON evaluations (signature, id);
`

// SQLite is a single-file store for local runs. It offers the same
// checkpoint, result and evaluation history operations as Store.
type SQLite struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. WAL mode is enabled for concurrent reads.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return &SQLite{conn: conn, path: path, logger: logger}, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, cp *engine.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (workflow_id, version, data, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			version = excluded.version, data = excluded.data, saved_at = excluded.saved_at`,
		cp.WorkflowID, cp.Version, string(data), cp.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) LoadCheckpoint(ctx context.Context, workflowID string) (*engine.Checkpoint, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE workflow_id = ?`, workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrCheckpointNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint([]byte(data))
}

func (s *SQLite) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM checkpoints WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) SaveResult(ctx context.Context, r *model.WorkflowResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO workflow_results (workflow_id, signature, status, success, data, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			signature = excluded.signature, status = excluded.status, success = excluded.success,
			data = excluded.data, finished_at = excluded.finished_at`,
		r.WorkflowID, r.Signature, string(r.Status), r.Success, string(data), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQLite) LoadResult(ctx context.Context, workflowID string) (*model.WorkflowResult, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, `SELECT data FROM workflow_results WHERE workflow_id = ?`, workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	var r model.WorkflowResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

func (s *SQLite) Append(ctx context.Context, ev *evaluator.Evaluation) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	at := ev.EvaluatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO evaluations (workflow_id, signature, score, data, evaluated_at) VALUES (?, ?, ?, ?, ?)`,
		ev.WorkflowID, ev.Signature, ev.Score, string(data), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append evaluation: %w", err)
	}
	return nil
}

func (s *SQLite) Recent(ctx context.Context, signature string, limit int, excludeWorkflow string) ([]*evaluator.Evaluation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT data FROM evaluations
		WHERE signature = ? AND workflow_id <> ?
		ORDER BY id DESC
		LIMIT ?`, signature, excludeWorkflow, limit)
	if err != nil {
		return nil, fmt.Errorf("recent evaluations: %w", err)
	}
	defer rows.Close()

	var out []*evaluator.Evaluation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		ev, err := decodeEvaluation([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) Get(ctx context.Context, workflowID string) (*evaluator.Evaluation, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, `
		SELECT data FROM evaluations WHERE workflow_id = ? ORDER BY id DESC LIMIT 1`, workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", evaluator.ErrEvaluationNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return decodeEvaluation([]byte(data))
}
