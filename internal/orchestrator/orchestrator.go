package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// ResultStore persists finished workflow results.
type ResultStore interface {
	SaveResult(ctx context.Context, result *model.WorkflowResult) error
}

// Config holds the orchestrator's policies.
type Config struct {
	// SmallPlanThreshold is the largest task count that still defaults to
	// the sequential pattern.
	SmallPlanThreshold int `json:"small_plan_threshold"`
	BaselineCount      int `json:"baseline_count"`
}

func DefaultConfig() Config {
	return Config{SmallPlanThreshold: 3, BaselineCount: 10}
}

// Orchestrator is the top-level entry point: it turns requirements into a
// plan, runs it on the engine, then persists and evaluates the result.
type Orchestrator struct {
	cfg       Config
	registry  *Registry
	engine    *engine.Engine
	comm      *comm.Communicator
	evaluator *evaluator.Evaluator
	results   ResultStore
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New wires an orchestrator. results may be nil. Every role in the registry
// is registered with the communicator so tasks can message each other.
func New(cfg Config, registry *Registry, eng *engine.Engine, c *comm.Communicator,
	ev *evaluator.Evaluator, results ResultStore, logger *zap.Logger) *Orchestrator {
	if cfg.SmallPlanThreshold <= 0 {
		cfg.SmallPlanThreshold = DefaultConfig().SmallPlanThreshold
	}
	if cfg.BaselineCount <= 0 {
		cfg.BaselineCount = DefaultConfig().BaselineCount
	}
	for _, role := range registry.Roles() {
		c.RegisterRole(role.Name)
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		engine:    eng,
		comm:      c,
		evaluator: ev,
		results:   results,
		logger:    logger,
	}
}

func (o *Orchestrator) Registry() *Registry { return o.registry }

func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

func (o *Orchestrator) Comm() *comm.Communicator { return o.comm }

func (o *Orchestrator) Evaluator() *evaluator.Evaluator { return o.evaluator }

// Close waits for background result processing of submitted runs.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// Decompose assigns each requirement to a role through the capability table
// and returns the validated plan.
func (o *Orchestrator) Decompose(description string, reqs Requirements) (*model.Plan, error) {
	if len(reqs.Items) == 0 {
		return nil, &model.ValidationError{Reason: model.ReasonEmpty, Detail: "no requirements"}
	}

	plan := &model.Plan{
		ID:              uuid.New().String(),
		Name:            planName(description),
		Description:     description,
		Pattern:         reqs.Pattern,
		CheckpointEvery: reqs.CheckpointEvery,
		CreatedAt:       time.Now(),
	}
	for i, req := range reqs.Items {
		if req.Key == "" {
			return nil, &model.ValidationError{Reason: model.ReasonMissingID, Detail: fmt.Sprintf("requirement %d has no key", i)}
		}
		caps := req.Capabilities
		if len(caps) == 0 {
			caps = []string{req.Key}
		}
		role, ok := o.registry.Match(caps)
		if !ok {
			return nil, &UnassignableRequirementError{Key: req.Key, Capabilities: slices.Clone(caps)}
		}
		plan.Tasks = append(plan.Tasks, &model.Task{
			ID:           req.Key,
			Name:         req.Name,
			Role:         role.Name,
			Input:        maps.Clone(req.Input),
			DependsOn:    slices.Clone(req.DependsOn),
			Priority:     req.Priority,
			MaxRetries:   req.MaxRetries,
			Timeout:      req.Timeout,
			Compensation: req.Compensation,
			Route:        req.Route,
		})
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	o.logger.Info("decomposed workflow",
		zap.String("workflow", plan.ID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.String("pattern", string(plan.Pattern)))
	return plan, nil
}

// Execute runs plan and returns its result. A plan without a pattern gets
// the one DefaultPattern picks.
func (o *Orchestrator) Execute(ctx context.Context, plan *model.Plan, initial map[string]any) (*model.WorkflowResult, error) {
	rep, err := o.Run(ctx, plan, initial)
	if err != nil {
		return nil, err
	}
	return rep.Result, nil
}

// Run executes plan synchronously, then persists, evaluates and summarizes
// the result.
func (o *Orchestrator) Run(ctx context.Context, plan *model.Plan, initial map[string]any) (*Report, error) {
	plan, err := o.prepare(plan)
	if err != nil {
		return nil, err
	}
	result, err := o.engine.Execute(ctx, plan, initial)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, plan, result), nil
}

// ExecuteWorkflow decomposes, executes and evaluates in one call.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, description string, reqs Requirements, initial map[string]any) (*Report, error) {
	plan, err := o.Decompose(description, reqs)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}
	return o.Run(ctx, plan, initial)
}

// Submit starts plan in the background and returns its workflow id. The
// result is persisted and evaluated once the run ends.
func (o *Orchestrator) Submit(ctx context.Context, plan *model.Plan, initial map[string]any) (string, error) {
	plan, err := o.prepare(plan)
	if err != nil {
		return "", err
	}
	id, err := o.engine.Submit(ctx, plan, initial)
	if err != nil {
		return "", err
	}
	o.background(plan, id)
	return id, nil
}

// Resume continues a checkpointed workflow.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*Report, error) {
	cp, err := o.engine.Checkpoints().LoadCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	result, err := o.engine.ResumeFromCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, cp.Plan, result), nil
}

// SubmitResume continues a checkpointed workflow in the background.
func (o *Orchestrator) SubmitResume(ctx context.Context, workflowID string) error {
	if _, err := o.engine.Checkpoints().LoadCheckpoint(ctx, workflowID); err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		bg := context.WithoutCancel(ctx)
		if _, err := o.Resume(bg, workflowID); err != nil {
			o.logger.Error("resume workflow failed", zap.String("workflow", workflowID), zap.Error(err))
		}
	}()
	return nil
}

// Evaluation returns the stored evaluation of a finished workflow.
func (o *Orchestrator) Evaluation(ctx context.Context, workflowID string) (*evaluator.Evaluation, error) {
	return o.evaluator.Lookup(ctx, workflowID)
}

// DefaultPattern returns the pattern a plan runs with. A declared pattern
// wins. Plans with routes are conditional. Otherwise small plans whose
// dependencies stay within one role run sequentially and the rest in
// parallel.
func (o *Orchestrator) DefaultPattern(plan *model.Plan) model.Pattern {
	if plan.Pattern != "" {
		return plan.Pattern
	}
	if len(plan.Decisions) > 0 {
		return model.PatternConditional
	}
	for _, t := range plan.Tasks {
		if t != nil && t.Route != nil {
			return model.PatternConditional
		}
	}
	if len(plan.Tasks) <= o.cfg.SmallPlanThreshold && !crossesRoles(plan) {
		return model.PatternSequential
	}
	return model.PatternParallel
}

// prepare validates plan and fills in a missing id and pattern on a copy.
func (o *Orchestrator) prepare(plan *model.Plan) (*model.Plan, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", model.ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.Pattern != "" && plan.ID != "" {
		return plan, nil
	}
	cp := plan.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Pattern = o.DefaultPattern(plan)
	return cp, nil
}

func (o *Orchestrator) background(plan *model.Plan, id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := context.Background()
		result, err := o.engine.Wait(ctx, id)
		if err != nil {
			o.logger.Error("wait for workflow", zap.String("workflow", id), zap.Error(err))
			return
		}
		o.finish(ctx, plan, result)
	}()
}

// finish persists and scores a result. Failures here are logged; the run
// itself already happened.
func (o *Orchestrator) finish(ctx context.Context, plan *model.Plan, result *model.WorkflowResult) *Report {
	rep := &Report{Plan: plan, Result: result, Summary: Summarize(result)}

	if o.results != nil {
		if err := o.results.SaveResult(ctx, result); err != nil {
			o.logger.Error("persist workflow result", zap.String("workflow", result.WorkflowID), zap.Error(err))
		}
	}

	rep.Evaluation = o.evaluator.Evaluate(result)
	reg, err := o.evaluator.DetectRegression(ctx, rep.Evaluation, o.cfg.BaselineCount)
	if err != nil {
		o.logger.Warn("regression check failed", zap.String("workflow", result.WorkflowID), zap.Error(err))
	} else {
		rep.Regression = reg
		if reg.Detected {
			o.logger.Warn("workflow regression detected",
				zap.String("workflow", result.WorkflowID),
				zap.String("signature", result.Signature),
				zap.Float64("score", rep.Evaluation.Score),
				zap.Float64("baseline", reg.BaselineScore),
				zap.Strings("details", reg.Details))
		}
	}
	if err := o.evaluator.Record(ctx, rep.Evaluation); err != nil {
		o.logger.Error("record evaluation", zap.String("workflow", result.WorkflowID), zap.Error(err))
	}

	o.logger.Info("workflow finished",
		zap.String("workflow", result.WorkflowID),
		zap.String("status", string(result.Status)),
		zap.Float64("score", rep.Evaluation.Score),
		zap.String("grade", string(rep.Evaluation.Grade)),
		zap.Duration("duration", result.Duration))
	return rep
}

func crossesRoles(plan *model.Plan) bool {
	roles := make(map[string]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t != nil {
			roles[t.ID] = t.Role
		}
	}
	for _, t := range plan.Tasks {
		if t == nil {
			continue
		}
		for _, d := range t.DependsOn {
			if roles[d] != t.Role {
				return true
			}
		}
	}
	return false
}

func planName(description string) string {
	const limit = 64
	if utf8.RuneCountInString(description) <= limit {
		return description
	}
	return string([]rune(description)[:limit])
}
