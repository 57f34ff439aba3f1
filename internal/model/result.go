package model

import (
	"maps"
	"time"
)

// TaskOutcome is the final record of one task in a workflow run.
type TaskOutcome struct {
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name"`
	Role        string         `json:"role"`
	Status      TaskStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	FinishedAt  time.Time      `json:"finished_at,omitzero"`
	Duration    time.Duration  `json:"duration"`
	Restored    bool           `json:"restored,omitempty"`
	Compensated bool           `json:"compensated,omitempty"`
	Skipped     bool           `json:"skipped,omitempty"`
}

// WorkflowResult is the immutable record of a finished or aborted run.
type WorkflowResult struct {
	WorkflowID string         `json:"workflow_id"`
	PlanName   string         `json:"plan_name,omitempty"`
	Signature  string         `json:"signature"`
	Pattern    Pattern        `json:"pattern"`
	Status     WorkflowStatus `json:"status"`
	Success    bool           `json:"success"`
	Tasks      []TaskOutcome  `json:"tasks"`
	Errors     []TaskError    `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration"`
	Context    SharedContext  `json:"context"`
}

// Outcome returns the outcome for a task id.
func (r *WorkflowResult) Outcome(taskID string) (TaskOutcome, bool) {
	for _, o := range r.Tasks {
		if o.TaskID == taskID {
			return o, true
		}
	}
	return TaskOutcome{}, false
}

// FirstError returns the first fatal error, or nil on success.
func (r *WorkflowResult) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Count returns how many tasks ended in the given status.
func (r *WorkflowResult) Count(status TaskStatus) int {
	n := 0
	for _, o := range r.Tasks {
		if o.Status == status {
			n++
		}
	}
	return n
}

// AuditEntry records who changed a shared context and when.
type AuditEntry struct {
	Role      string    `json:"role"`
	Version   int64     `json:"version"`
	Keys      []string  `json:"keys"`
	Timestamp time.Time `json:"timestamp"`
}

// SharedContext is the versioned key/value state of one workflow. Values
// returned from a Communicator are snapshots; mutating Data does not affect
// the committed context.
type SharedContext struct {
	WorkflowID string         `json:"workflow_id"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data"`
	Audit      []AuditEntry   `json:"audit,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitzero"`
}

// Clone copies the top-level map and the audit trail. Values are shared and
// must be treated as immutable.
func (c SharedContext) Clone() SharedContext {
	cp := c
	cp.Data = maps.Clone(c.Data)
	if cp.Data == nil {
		cp.Data = map[string]any{}
	}
	cp.Audit = append([]AuditEntry(nil), c.Audit...)
	return cp
}
