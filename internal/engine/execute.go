package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
)

// drive runs the plan under its pattern and records the result.
func (e *Engine) drive(ctx context.Context, r *run) {
	if err := r.setStatus(model.WorkflowRunning); err != nil {
		// Cancelled before it started.
		r.logger.Debug("workflow not started", zap.Error(err))
	}
	r.logger.Info("workflow started",
		zap.String("plan", r.plan.Name),
		zap.String("pattern", string(r.plan.Pattern)),
		zap.Int("tasks", len(r.plan.Tasks)))

	switch r.plan.Pattern {
	case model.PatternParallel:
		e.runParallel(ctx, r)
	case model.PatternConditional:
		e.runConditional(ctx, r)
	case model.PatternSaga:
		e.runSequential(ctx, r)
		if r.hasFailure() {
			e.compensate(ctx, r)
		}
	default:
		e.runSequential(ctx, r)
	}
	e.finish(ctx, r)
}

// runSequential executes tasks one at a time in topological order and halts
// on the first task that does not complete.
func (e *Engine) runSequential(ctx context.Context, r *run) {
	order, err := r.plan.TopologicalOrder()
	if err != nil {
		r.addError(model.NewTaskError("", model.ErrorInternal, err))
		return
	}
	for _, t := range order {
		if r.taskStatus(t.ID) == model.TaskCompleted {
			continue
		}
		if !r.gate(ctx) {
			return
		}
		if e.runTask(ctx, r, t) != model.TaskCompleted {
			return
		}
		if r.plan.Pattern == model.PatternCheckpointed {
			e.noteProgress(ctx, r)
		}
	}
}

// runParallel starts every task whose dependencies have completed, as many
// at once as the queue allows. A task that does not complete cancels its
// transitive dependents.
func (e *Engine) runParallel(ctx context.Context, r *run) {
	remaining := make(map[string]int, len(r.plan.Tasks))
	var ready []*model.Task
	for _, t := range r.plan.Tasks {
		// Dependents lists each dependent once, so repeated ids count once.
		n := len(distinct(t.DependsOn))
		remaining[t.ID] = n
		if n == 0 {
			ready = append(ready, t)
		}
	}

	type done struct {
		id     string
		status model.TaskStatus
	}
	results := make(chan done, len(r.plan.Tasks))
	inflight := 0
	stopped := false

	for {
		for len(ready) > 0 && !stopped {
			if !r.gate(ctx) {
				stopped = true
				break
			}
			t := ready[0]
			ready = ready[1:]
			inflight++
			go func() {
				results <- done{id: t.ID, status: e.runTask(ctx, r, t)}
			}()
		}
		if inflight == 0 {
			return
		}

		d := <-results
		inflight--
		if d.status != model.TaskCompleted {
			e.skipDependents(r, d.id)
			continue
		}
		for _, dep := range r.plan.Dependents(d.id) {
			remaining[dep]--
			if remaining[dep] == 0 && r.taskStatus(dep) == model.TaskPending {
				t, _ := r.plan.Task(dep)
				ready = append(ready, t)
			}
		}
	}
}

func distinct(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (e *Engine) skipDependents(r *run, id string) {
	stack := r.plan.Dependents(id)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.taskStatus(next) != model.TaskPending {
			continue
		}
		r.skip(next)
		r.logger.Debug("task skipped after upstream failure",
			zap.String("task", next), zap.String("upstream", id))
		stack = append(stack, r.plan.Dependents(next)...)
	}
}

// runConditional executes tasks in topological order. A task runs only if
// every dependency completed and every dependency with a decision selected
// it; other tasks are skipped.
func (e *Engine) runConditional(ctx context.Context, r *run) {
	order, err := r.plan.TopologicalOrder()
	if err != nil {
		r.addError(model.NewTaskError("", model.ErrorInternal, err))
		return
	}

	selected := make(map[string]map[string]bool)
	eligible := func(t *model.Task) bool {
		for _, dep := range t.DependsOn {
			if r.taskStatus(dep) != model.TaskCompleted {
				return false
			}
			if picks, ok := selected[dep]; ok && !picks[t.ID] {
				return false
			}
		}
		return true
	}

	for _, t := range order {
		if !r.gate(ctx) {
			return
		}
		if !eligible(t) {
			r.skip(t.ID)
			r.logger.Debug("branch skipped", zap.String("task", t.ID))
			continue
		}
		if e.runTask(ctx, r, t) != model.TaskCompleted {
			continue
		}
		if fn := r.plan.Decision(t.ID); fn != nil {
			picks := make(map[string]bool)
			for _, id := range e.decide(r, t.ID, fn) {
				picks[id] = true
			}
			selected[t.ID] = picks
		}
	}
}

func (e *Engine) decide(r *run, taskID string, fn model.DecisionFunc) (picks []string) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("decision for %s panicked: %v", taskID, p)
			r.logger.Error("decision failed", zap.String("task", taskID), zap.Error(err))
			r.addError(model.NewTaskError(taskID, model.ErrorInternal, err))
			picks = nil
		}
	}()
	picks = fn(r.outcome(taskID))
	r.logger.Debug("decision made", zap.String("task", taskID), zap.Strings("selected", picks))
	return picks
}

// compensate undoes completed tasks in reverse completion order. Failures
// are recorded and do not stop the rollback.
func (e *Engine) compensate(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)
	order := r.completionOrder()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		t, _ := r.plan.Task(id)
		if t.Compensation == "" {
			continue
		}
		fn, ok := e.handlers.Compensation(t.Compensation)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrNoCompensation, t.Compensation)
			r.logger.Error("compensation missing", zap.String("task", id), zap.Error(err))
			r.addError(model.NewTaskError(id, model.ErrorCompensation, err))
			continue
		}

		out := r.outcome(id)
		cctx, cancel := context.WithTimeout(ctx, e.taskTimeout(t))
		err := safeCompensate(cctx, fn, e.taskInput(r, t, out.Attempts), out.Output)
		cancel()
		if err != nil {
			r.logger.Error("compensation failed", zap.String("task", id), zap.Error(err))
			r.addError(model.NewTaskError(id, model.ErrorCompensation, err))
			continue
		}
		r.markCompensated(id)
		r.logger.Info("task compensated", zap.String("task", id))
	}
}

func safeCompensate(ctx context.Context, fn CompensationFunc, in TaskInput, output map[string]any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("compensation panic: %v", p)
		}
	}()
	return fn(ctx, in, output)
}

// runTask pushes one task through the queue and returns its final status.
func (e *Engine) runTask(ctx context.Context, r *run, t *model.Task) model.TaskStatus {
	if !r.setTask(t.ID, model.TaskReady, nil) {
		return r.taskStatus(t.ID)
	}
	handler, _ := e.handlers.Handler(t.Role)
	timeout := e.taskTimeout(t)

	var attempt atomic.Int32
	job := &queue.Job{
		Name:       r.id + "/" + t.ID,
		Priority:   t.Priority,
		Payload:    t.Input,
		MaxRetries: t.MaxRetries,
		Timeout:    timeout,
		Handler: func(jctx context.Context, _ map[string]any) (map[string]any, error) {
			return handler.Handle(jctx, e.taskInput(r, t, int(attempt.Load())))
		},
		OnStart: func(n int) {
			attempt.Store(int32(n))
			now := time.Now()
			r.setTask(t.ID, model.TaskRunning, func(o *model.TaskOutcome) {
				o.Attempts = n
				if o.StartedAt.IsZero() {
					o.StartedAt = now
				}
			})
			e.publish(Event{Kind: EventTaskStarted, WorkflowID: r.id, PlanName: r.plan.Name,
				TaskID: t.ID, Role: t.Role, Attempt: n, Status: string(model.TaskRunning), Timestamp: now})
		},
		OnRetry: func(n int, err error, delay time.Duration) {
			r.setTask(t.ID, model.TaskRetrying, func(o *model.TaskOutcome) { o.Error = err.Error() })
			r.logger.Info("task retrying",
				zap.String("task", t.ID), zap.Int("attempt", n), zap.Duration("backoff", delay), zap.Error(err))
		},
	}

	jobID, err := e.queue.Enqueue(job)
	if err != nil {
		e.failTask(r, t, model.ErrorInternal, err, 0)
		return model.TaskFailed
	}
	r.trackJob(t.ID, jobID)
	if r.isCancelled() {
		_ = e.queue.Cancel(jobID)
	}

	res, waitErr := e.await(ctx, jobID, timeout, t.MaxRetries)
	r.trackJob(t.ID, "")
	e.queue.Forget(jobID)
	if ctx.Err() != nil {
		r.markCancelled()
	}

	switch {
	case res.Status == queue.StatusSucceeded:
		return e.completeTask(ctx, r, t, res)
	case res.Status == queue.StatusCancelled && r.isCancelled():
		r.setTask(t.ID, model.TaskCancelled, func(o *model.TaskOutcome) {
			o.Attempts = res.Attempts
			o.FinishedAt = res.FinishedAt
		})
		r.logger.Info("task cancelled", zap.String("task", t.ID))
		return model.TaskCancelled
	default:
		cause := res.Err
		if waitErr != nil {
			cause = waitErr
		}
		if cause == nil {
			cause = fmt.Errorf("job %s ended %s", jobID, res.Status)
		}
		e.failTask(r, t, classify(cause), cause, res.Attempts)
		return model.TaskFailed
	}
}

// await waits for a job within its retry budget. Past the budget the job is
// cancelled and the attempt in flight, if any, is allowed to finish.
func (e *Engine) await(ctx context.Context, jobID string, timeout time.Duration, retries int) (*queue.Result, error) {
	qc := e.queue.Config()
	budget := (timeout+qc.MaxBackoff)*time.Duration(retries+1) + e.cfg.WaitGrace
	res, err := e.queue.WaitForJob(ctx, jobID, budget)
	if err == nil {
		return res, nil
	}

	_ = e.queue.Cancel(jobID)
	res, err2 := e.queue.WaitForJob(context.Background(), jobID, timeout+e.cfg.WaitGrace)
	if err2 != nil {
		return &queue.Result{JobID: jobID, Status: queue.StatusFailed, Err: err}, err
	}
	if errors.Is(err, queue.ErrWaitTimeout) && res.Status != queue.StatusSucceeded {
		return res, err
	}
	return res, nil
}

func (e *Engine) completeTask(ctx context.Context, r *run, t *model.Task, res *queue.Result) model.TaskStatus {
	out := res.Output
	if out == nil {
		out = map[string]any{}
	}
	if _, err := e.comm.UpdateSharedContext(context.WithoutCancel(ctx), r.id, t.Role, map[string]any{t.ID: out}); err != nil {
		e.failTask(r, t, model.ErrorCommunication, fmt.Errorf("commit output: %w", err), res.Attempts)
		return model.TaskFailed
	}

	finished := res.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	var dur time.Duration
	r.setTask(t.ID, model.TaskCompleted, func(o *model.TaskOutcome) {
		o.Output = out
		o.Error = ""
		o.Attempts = res.Attempts
		o.FinishedAt = finished
		o.Duration = finished.Sub(o.StartedAt)
		dur = o.Duration
	})
	e.publish(Event{Kind: EventTaskCompleted, WorkflowID: r.id, PlanName: r.plan.Name,
		TaskID: t.ID, Role: t.Role, Attempt: res.Attempts, Status: string(model.TaskCompleted), Duration: dur})
	r.logger.Debug("task completed", zap.String("task", t.ID), zap.Int("attempts", res.Attempts))
	return model.TaskCompleted
}

func (e *Engine) failTask(r *run, t *model.Task, kind model.ErrorKind, cause error, attempts int) {
	now := time.Now()
	var dur time.Duration
	r.setTask(t.ID, model.TaskFailed, func(o *model.TaskOutcome) {
		o.Error = cause.Error()
		if attempts > 0 {
			o.Attempts = attempts
		}
		o.FinishedAt = now
		if !o.StartedAt.IsZero() {
			o.Duration = now.Sub(o.StartedAt)
		}
		dur = o.Duration
	})
	r.addError(model.NewTaskError(t.ID, kind, cause))
	e.publish(Event{Kind: EventTaskFailed, WorkflowID: r.id, PlanName: r.plan.Name,
		TaskID: t.ID, Role: t.Role, Attempt: attempts, Status: string(model.TaskFailed),
		Error: cause.Error(), Duration: dur})
	r.logger.Warn("task failed",
		zap.String("task", t.ID),
		zap.String("kind", string(kind)),
		zap.Int("attempts", attempts),
		zap.Error(cause))
}

func (e *Engine) taskInput(r *run, t *model.Task, attempt int) TaskInput {
	snap := e.comm.GetSharedContext(r.id)
	deps := make(map[string]any, len(t.DependsOn))
	for _, d := range t.DependsOn {
		if v, ok := snap.Data[d]; ok {
			deps[d] = v
		}
	}
	return TaskInput{
		WorkflowID:   r.id,
		TaskID:       t.ID,
		Name:         t.DisplayName(),
		Role:         t.Role,
		Attempt:      attempt,
		Payload:      t.Input,
		Dependencies: deps,
		Context:      snap,
		Comm:         e.comm,
	}
}

func (e *Engine) taskTimeout(t *model.Task) time.Duration {
	if d := t.Timeout.Std(); d > 0 {
		return d
	}
	return e.cfg.TaskTimeout
}

// classify maps an error to the kind reported on the result.
func classify(err error) model.ErrorKind {
	switch {
	case errors.Is(err, queue.ErrAttemptTimeout),
		errors.Is(err, queue.ErrWaitTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return model.ErrorTimeout
	case errors.Is(err, comm.ErrMessageTimeout),
		errors.Is(err, comm.ErrLockTimeout),
		errors.Is(err, comm.ErrReceiveTimeout),
		errors.Is(err, comm.ErrUnknownRecipient):
		return model.ErrorCommunication
	case errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, queue.ErrJobCancelled):
		return model.ErrorInternal
	}
	return model.ErrorTask
}

// noteProgress counts a completion and checkpoints every K of them.
func (e *Engine) noteProgress(ctx context.Context, r *run) {
	r.unsaved++
	every := r.plan.CheckpointEvery
	if every <= 0 {
		every = e.cfg.CheckpointEvery
	}
	if r.unsaved >= every {
		e.saveCheckpoint(ctx, r)
	}
}

func (e *Engine) saveCheckpoint(ctx context.Context, r *run) {
	completed := r.completionOrder()
	outcomes := make([]model.TaskOutcome, 0, len(completed))
	for _, id := range completed {
		outcomes = append(outcomes, r.outcome(id))
	}
	cp := &Checkpoint{
		WorkflowID:       r.id,
		CompletedTaskIDs: completed,
		Context:          e.comm.GetSharedContext(r.id),
		Version:          r.cpVersion + 1,
		Timestamp:        time.Now(),
		Plan:             r.plan,
		Outcomes:         outcomes,
	}
	if err := e.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		r.logger.Error("checkpoint save failed", zap.Int64("checkpoint", cp.Version), zap.Error(err))
		return
	}
	r.cpVersion = cp.Version
	r.unsaved = 0
	e.publish(Event{Kind: EventCheckpointSaved, WorkflowID: r.id, PlanName: r.plan.Name,
		Checkpoint: cp.Version, Timestamp: cp.Timestamp})
	r.logger.Info("checkpoint saved",
		zap.Int64("checkpoint", cp.Version),
		zap.Int("completed", len(completed)))
}

// finish settles every task, decides the workflow's outcome and publishes it.
func (e *Engine) finish(ctx context.Context, r *run) {
	cancelled := r.isCancelled()
	r.skipRemaining()

	var success bool
	if r.plan.Pattern == model.PatternConditional {
		success = !cancelled && !r.hasFailure()
	} else {
		success = !cancelled && r.allCompleted()
	}

	status := model.WorkflowFailed
	switch {
	case cancelled:
		status = model.WorkflowCancelled
		r.addError(model.TaskError{Kind: model.ErrorCancelled, Message: "workflow cancelled"})
	case success:
		status = model.WorkflowCompleted
	}

	if r.plan.Pattern == model.PatternCheckpointed {
		if success {
			if err := e.checkpoints.DeleteCheckpoint(context.WithoutCancel(ctx), r.id); err != nil {
				r.logger.Warn("checkpoint cleanup failed", zap.Error(err))
			}
		} else if r.unsaved > 0 {
			e.saveCheckpoint(ctx, r)
		}
	}

	finished := time.Now()
	result := &model.WorkflowResult{
		WorkflowID: r.id,
		PlanName:   r.plan.Name,
		Signature:  r.plan.Signature(),
		Pattern:    r.plan.Pattern,
		Success:    success,
		Tasks:      r.snapshot(),
		StartedAt:  r.started,
		FinishedAt: finished,
		Duration:   finished.Sub(r.started),
		Context:    e.comm.GetSharedContext(r.id),
	}

	r.mu.Lock()
	result.Errors = append([]model.TaskError(nil), r.errors...)
	if err := r.setStatusLocked(status); err != nil {
		r.logger.Error("workflow state machine violated", zap.Error(err))
		r.status = status
	}
	result.Status = r.status
	r.result = result
	r.mu.Unlock()
	close(r.done)
	e.retire(r.id)

	kind := EventWorkflowFailed
	if success {
		kind = EventWorkflowCompleted
	}
	ev := Event{Kind: kind, WorkflowID: r.id, PlanName: r.plan.Name, Status: string(status),
		Duration: result.Duration, Plan: r.plan, Result: result}
	if err := result.FirstError(); err != nil {
		ev.Error = err.Error()
	}
	e.publish(ev)

	r.logger.Info("workflow finished",
		zap.String("status", string(status)),
		zap.Bool("success", success),
		zap.Int("completed", result.Count(model.TaskCompleted)),
		zap.Int("failed", result.Count(model.TaskFailed)),
		zap.Int("cancelled", result.Count(model.TaskCancelled)),
		zap.Duration("duration", result.Duration))
}
