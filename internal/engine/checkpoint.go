package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is the persisted progress of a checkpointed workflow. Only the
// latest checkpoint per workflow is kept.
type Checkpoint struct {
	WorkflowID       string              `json:"workflow_id"`
	CompletedTaskIDs []string            `json:"completed_task_ids"`
	Context          model.SharedContext `json:"context"`
	Version          int64               `json:"version"`
	Timestamp        time.Time           `json:"timestamp"`
	Plan             *model.Plan         `json:"plan"`
	// Outcomes of the completed tasks, so a resumed result still reports
	// their timings and attempts.
	Outcomes []model.TaskOutcome `json:"outcomes,omitempty"`
}

// Completed reports whether taskID is recorded as done.
func (c *Checkpoint) Completed(taskID string) bool {
	return slices.Contains(c.CompletedTaskIDs, taskID)
}

// CheckpointStore persists checkpoints keyed by workflow id. Save replaces
// any older checkpoint for the same workflow.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, workflowID string) error
}

// MemoryCheckpoints keeps checkpoints in process.
type MemoryCheckpoints struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{data: make(map[string]*Checkpoint)}
}

func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	if cp.WorkflowID == "" {
		return fmt.Errorf("save checkpoint: empty workflow id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[cp.WorkflowID] = copyCheckpoint(cp)
	return nil
}

func (m *MemoryCheckpoints) LoadCheckpoint(_ context.Context, workflowID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.data[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, workflowID)
	}
	return copyCheckpoint(cp), nil
}

func (m *MemoryCheckpoints) DeleteCheckpoint(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, workflowID)
	return nil
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.CompletedTaskIDs = slices.Clone(cp.CompletedTaskIDs)
	out.Outcomes = slices.Clone(cp.Outcomes)
	out.Context = cp.Context.Clone()
	if cp.Plan != nil {
		out.Plan = cp.Plan.Clone()
	}
	return &out
}
