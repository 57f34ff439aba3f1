package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrEvaluationNotFound = errors.New("evaluation not found")

// HistoryStore keeps past evaluations for baselines.
type HistoryStore interface {
	Append(ctx context.Context, ev *Evaluation) error
	// Recent returns up to limit of the newest evaluations with the given
	// signature, newest first, skipping excludeWorkflow.
	Recent(ctx context.Context, signature string, limit int, excludeWorkflow string) ([]*Evaluation, error)
	Get(ctx context.Context, workflowID string) (*Evaluation, error)
}

// MemoryHistory is a bounded in-process HistoryStore.
type MemoryHistory struct {
	mu    sync.RWMutex
	limit int
	evals []*Evaluation
}

func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryHistory{limit: limit}
}

func (m *MemoryHistory) Append(_ context.Context, ev *Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, ev)
	if over := len(m.evals) - m.limit; over > 0 {
		m.evals = m.evals[over:]
	}
	return nil
}

func (m *MemoryHistory) Recent(_ context.Context, signature string, limit int, excludeWorkflow string) ([]*Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Evaluation
	for i := len(m.evals) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.evals[i]
		if ev.Signature != signature || ev.WorkflowID == excludeWorkflow {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MemoryHistory) Get(_ context.Context, workflowID string) (*Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.evals) - 1; i >= 0; i-- {
		if m.evals[i].WorkflowID == workflowID {
			return m.evals[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEvaluationNotFound, workflowID)
}
