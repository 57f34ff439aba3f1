package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowActive   = errors.New("workflow is still active")
	ErrWorkflowState    = errors.New("operation not allowed in the workflow's current state")
	ErrNoHandler        = errors.New("no handler registered for role")
	ErrNoCompensation   = errors.New("no compensation registered")
)

// initialRole is recorded in the audit trail for the caller-supplied context.
const initialRole = "initial"

// Config tunes the engine. Zero values fall back to DefaultConfig.
type Config struct {
	// CheckpointEvery is K for checkpointed plans that do not set their own.
	CheckpointEvery int
	// TaskTimeout applies to tasks without a timeout of their own.
	TaskTimeout time.Duration
	// WaitGrace is added to each task's wait budget to absorb queueing.
	WaitGrace   time.Duration
	SinkTimeout time.Duration
	WatchBuffer int
	// RetainRuns bounds how many finished runs stay queryable.
	RetainRuns int
}

func DefaultConfig() Config {
	return Config{
		CheckpointEvery: 1,
		TaskTimeout:     30 * time.Second,
		WaitGrace:       30 * time.Second,
		SinkTimeout:     10 * time.Second,
		WatchBuffer:     256,
		RetainRuns:      1000,
	}
}

// Engine executes plans on a TaskQueue, keeping each workflow's state in the
// Communicator's shared context.
type Engine struct {
	cfg         Config
	queue       *queue.TaskQueue
	comm        *comm.Communicator
	handlers    HandlerResolver
	checkpoints CheckpointStore
	bus         *bus
	logger      *zap.Logger

	mu       sync.RWMutex
	runs     map[string]*run
	finished []string
}

// New creates an engine. checkpoints may be nil, in which case checkpoints
// are kept in memory.
func New(cfg Config, q *queue.TaskQueue, c *comm.Communicator, handlers HandlerResolver,
	checkpoints CheckpointStore, logger *zap.Logger) *Engine {

	def := DefaultConfig()
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = def.CheckpointEvery
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.WaitGrace <= 0 {
		cfg.WaitGrace = def.WaitGrace
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = def.WatchBuffer
	}
	if cfg.RetainRuns <= 0 {
		cfg.RetainRuns = def.RetainRuns
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpoints()
	}
	return &Engine{
		cfg:         cfg,
		queue:       q,
		comm:        c,
		handlers:    handlers,
		checkpoints: checkpoints,
		bus:         newBus(logger, cfg.SinkTimeout, cfg.WatchBuffer),
		logger:      logger,
		runs:        make(map[string]*run),
	}
}

// Subscribe registers a sink for every workflow's events.
func (e *Engine) Subscribe(sink EventSink) {
	e.bus.subscribe(sink)
}

// Watch streams one workflow's events. The channel closes after the
// workflow's terminal event; call stop to unsubscribe early.
func (e *Engine) Watch(workflowID string) (events <-chan Event, stop func()) {
	return e.bus.watch(workflowID)
}

// Close delivers pending events and stops the event loop.
func (e *Engine) Close() {
	e.bus.close()
}

// Checkpoints exposes the store the engine writes to.
func (e *Engine) Checkpoints() CheckpointStore { return e.checkpoints }

// Execute validates plan and runs it to completion. Task failures are
// reported in the result; the error is for plans that could not start.
func (e *Engine) Execute(ctx context.Context, plan *model.Plan, initial map[string]any) (*model.WorkflowResult, error) {
	r, err := e.start(ctx, plan, initial, nil)
	if err != nil {
		return nil, err
	}
	e.drive(ctx, r)
	return r.result, nil
}

// Submit validates and starts plan in the background, returning its
// workflow id. The run is not tied to ctx.
func (e *Engine) Submit(ctx context.Context, plan *model.Plan, initial map[string]any) (string, error) {
	r, err := e.start(ctx, plan, initial, nil)
	if err != nil {
		return "", err
	}
	go e.drive(context.WithoutCancel(ctx), r)
	return r.id, nil
}

// ResumeFromCheckpoint reloads a workflow's latest checkpoint and runs the
// tasks it had not completed.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, workflowID string) (*model.WorkflowResult, error) {
	cp, err := e.checkpoints.LoadCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if cp.Plan == nil {
		return nil, fmt.Errorf("checkpoint %s has no plan", workflowID)
	}
	plan := cp.Plan.Clone()
	plan.ID = workflowID

	r, err := e.start(ctx, plan, nil, cp)
	if err != nil {
		return nil, err
	}
	e.drive(ctx, r)
	return r.result, nil
}

// Wait blocks until the workflow finishes.
func (e *Engine) Wait(ctx context.Context, workflowID string) (*model.WorkflowResult, error) {
	r, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a live view of a workflow.
func (e *Engine) Status(workflowID string) (Snapshot, error) {
	r, err := e.lookup(workflowID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.view(), nil
}

// Result returns a finished workflow's result.
func (e *Engine) Result(workflowID string) (*model.WorkflowResult, error) {
	r, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.result, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrWorkflowActive, workflowID)
	}
}

// List returns snapshots of every known workflow, most recent first.
func (e *Engine) List() []Snapshot {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Pause stops a running workflow from starting new tasks. Tasks already in
// flight finish normally.
func (e *Engine) Pause(workflowID string) error {
	return e.transition(workflowID, model.WorkflowPaused)
}

// Resume lets a paused workflow continue.
func (e *Engine) Resume(workflowID string) error {
	return e.transition(workflowID, model.WorkflowRunning)
}

func (e *Engine) transition(workflowID string, to model.WorkflowStatus) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	if r.isCancelled() {
		return fmt.Errorf("%w: %s is being cancelled", ErrWorkflowState, workflowID)
	}
	if err := r.setStatus(to); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkflowState, err)
	}
	r.logger.Info("workflow status changed", zap.String("status", string(to)))
	return nil
}

// Cancel stops scheduling new tasks for a workflow. In-flight attempts run to
// completion and are not retried; committed context writes are kept. The
// workflow becomes CANCELLED once they settle.
func (e *Engine) Cancel(workflowID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return fmt.Errorf("%w: %s already finished", ErrWorkflowState, workflowID)
	default:
	}
	for _, jobID := range r.markCancelled() {
		if err := e.queue.Cancel(jobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			r.logger.Warn("cancel job", zap.String("job", jobID), zap.Error(err))
		}
	}
	r.logger.Info("workflow cancel requested")
	return nil
}

func (e *Engine) lookup(workflowID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return r, nil
}

// start validates and registers a run. restore is set when resuming.
func (e *Engine) start(ctx context.Context, plan *model.Plan, initial map[string]any, restore *Checkpoint) (*run, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", model.ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	plan = plan.Clone()
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	if err := e.checkHandlers(plan); err != nil {
		return nil, err
	}

	r := newRun(plan.ID, plan, e.logger)
	e.mu.Lock()
	if prev, ok := e.runs[plan.ID]; ok {
		select {
		case <-prev.done:
		default:
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrWorkflowActive, plan.ID)
		}
	}
	e.runs[plan.ID] = r
	e.mu.Unlock()

	var err error
	switch {
	case restore != nil:
		r.restore(restore)
		err = e.comm.RestoreSharedContext(ctx, restore.Context)
	case len(initial) > 0:
		_, err = e.comm.UpdateSharedContext(ctx, plan.ID, initialRole, initial)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.runs, plan.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("seed shared context: %w", err)
	}
	r.started = time.Now()
	return r, nil
}

func (e *Engine) checkHandlers(plan *model.Plan) error {
	var missing []string
	seen := make(map[string]bool)
	for _, t := range plan.Tasks {
		if seen[t.Role] {
			continue
		}
		seen[t.Role] = true
		if _, ok := e.handlers.Handler(t.Role); !ok {
			missing = append(missing, t.Role)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrNoHandler, missing)
	}
	return nil
}

// retire records a finished run and evicts the oldest beyond RetainRuns.
func (e *Engine) retire(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A resumed run reuses its id; only the latest occurrence counts.
	e.finished = slices.DeleteFunc(e.finished, func(f string) bool { return f == id })
	e.finished = append(e.finished, id)
	for len(e.finished) > e.cfg.RetainRuns {
		old := e.finished[0]
		e.finished = e.finished[1:]
		if r, ok := e.runs[old]; ok {
			select {
			case <-r.done:
				delete(e.runs, old)
				e.comm.ForgetWorkflow(old)
			default:
			}
		}
	}
}

func (e *Engine) publish(ev Event) {
	e.bus.publish(ev)
}
