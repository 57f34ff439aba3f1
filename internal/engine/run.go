package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// run is the mutable state of one workflow execution.
type run struct {
	id      string
	plan    *model.Plan
	logger  *zap.Logger
	started time.Time

	mu        sync.Mutex
	status    model.WorkflowStatus
	cancelled bool
	wake      chan struct{}
	tasks     map[string]*model.TaskOutcome
	jobs      map[string]string // task id -> in-flight job id
	errors    []model.TaskError
	completed []string // completion order
	result    *model.WorkflowResult
	done      chan struct{}

	// checkpoint bookkeeping
	cpVersion int64
	unsaved   int
}

func newRun(id string, plan *model.Plan, logger *zap.Logger) *run {
	r := &run{
		id:     id,
		plan:   plan,
		logger: logger.With(zap.String("workflow", id)),
		status: model.WorkflowCreated,
		wake:   make(chan struct{}),
		tasks:  make(map[string]*model.TaskOutcome, len(plan.Tasks)),
		jobs:   make(map[string]string),
		done:   make(chan struct{}),
	}
	for _, t := range plan.Tasks {
		r.tasks[t.ID] = &model.TaskOutcome{
			TaskID: t.ID,
			Name:   t.DisplayName(),
			Role:   t.Role,
			Status: model.TaskPending,
		}
	}
	return r
}

// setStatus applies a workflow transition. Illegal transitions are refused.
func (r *run) setStatus(to model.WorkflowStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatusLocked(to)
}

func (r *run) setStatusLocked(to model.WorkflowStatus) error {
	if err := model.WorkflowTransition(r.status, to); err != nil {
		return err
	}
	r.status = to
	close(r.wake)
	r.wake = make(chan struct{})
	return nil
}

// gate blocks while the run is paused and reports whether new work may be
// scheduled.
func (r *run) gate(ctx context.Context) bool {
	for {
		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			return false
		}
		if r.status != model.WorkflowPaused {
			r.mu.Unlock()
			return true
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			r.markCancelled()
			return false
		}
	}
}

// markCancelled stops further scheduling and returns the jobs in flight.
func (r *run) markCancelled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		close(r.wake)
		r.wake = make(chan struct{})
	}
	jobs := make([]string, 0, len(r.jobs))
	for _, id := range r.jobs {
		jobs = append(jobs, id)
	}
	return jobs
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// setTask moves a task along its state machine and applies mutate to the
// outcome. Illegal transitions are logged and ignored.
func (r *run) setTask(taskID string, to model.TaskStatus, mutate func(o *model.TaskOutcome)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.tasks[taskID]
	if o.Status != to {
		if err := model.TaskTransition(o.Status, to); err != nil {
			r.logger.Warn("task state machine violated", zap.String("task", taskID), zap.Error(err))
			return false
		}
		o.Status = to
	}
	if mutate != nil {
		mutate(o)
	}
	if to == model.TaskCompleted {
		r.completed = append(r.completed, taskID)
	}
	return true
}

func (r *run) taskStatus(taskID string) model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[taskID].Status
}

func (r *run) outcome(taskID string) model.TaskOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.tasks[taskID]
}

// skip cancels a task that never ran.
func (r *run) skip(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.tasks[taskID]
	if o.Status.Terminal() {
		return
	}
	o.Status = model.TaskCancelled
	o.Skipped = true
}

// skipRemaining cancels every task that has not reached a terminal state.
func (r *run) skipRemaining() {
	for _, t := range r.plan.Tasks {
		r.skip(t.ID)
	}
}

func (r *run) addError(te model.TaskError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, te)
}

func (r *run) trackJob(taskID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if jobID == "" {
		delete(r.jobs, taskID)
		return
	}
	r.jobs[taskID] = jobID
}

func (r *run) completionOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...)
}

func (r *run) hasFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.tasks {
		if o.Status == model.TaskFailed {
			return true
		}
	}
	return false
}

func (r *run) allCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.tasks {
		if o.Status != model.TaskCompleted {
			return false
		}
	}
	return true
}

// snapshot returns the task outcomes in declaration order.
func (r *run) snapshot() []model.TaskOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TaskOutcome, 0, len(r.plan.Tasks))
	for _, t := range r.plan.Tasks {
		out = append(out, *r.tasks[t.ID])
	}
	return out
}

// Snapshot is a point-in-time view of a workflow run.
type Snapshot struct {
	WorkflowID string               `json:"workflow_id"`
	PlanName   string               `json:"plan_name,omitempty"`
	Pattern    model.Pattern        `json:"pattern"`
	Status     model.WorkflowStatus `json:"status"`
	Tasks      []model.TaskOutcome  `json:"tasks"`
	StartedAt  time.Time            `json:"started_at"`
}

func (r *run) view() Snapshot {
	tasks := r.snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		WorkflowID: r.id,
		PlanName:   r.plan.Name,
		Pattern:    r.plan.Pattern,
		Status:     r.status,
		Tasks:      tasks,
		StartedAt:  r.started,
	}
}

func (r *run) markCompensated(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskID].Compensated = true
}

// restore marks the checkpoint's tasks as done without running them.
func (r *run) restore(cp *Checkpoint) {
	saved := make(map[string]model.TaskOutcome, len(cp.Outcomes))
	for _, o := range cp.Outcomes {
		saved[o.TaskID] = o
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range cp.CompletedTaskIDs {
		o, ok := r.tasks[id]
		if !ok {
			continue
		}
		if prev, ok := saved[id]; ok {
			*o = prev
		}
		o.Status = model.TaskCompleted
		o.Restored = true
		r.completed = append(r.completed, id)
	}
	r.cpVersion = cp.Version
}
