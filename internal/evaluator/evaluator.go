package evaluator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// Grade buckets an overall score.
type Grade string

const (
	GradeExcellent Grade = "EXCELLENT"
	GradeGood      Grade = "GOOD"
	GradeFair      Grade = "FAIR"
	GradePoor      Grade = "POOR"
)

// Thresholds are the minimum scores for each grade above POOR.
type Thresholds struct {
	Excellent float64 `json:"excellent"`
	Good      float64 `json:"good"`
	Fair      float64 `json:"fair"`
}

// Config holds the scoring policy.
type Config struct {
	SuccessWeight    float64       `json:"success_weight"`
	EfficiencyWeight float64       `json:"efficiency_weight"`
	TargetDuration   time.Duration `json:"target_duration"`
	Thresholds       Thresholds    `json:"thresholds"`
	// RegressionPercent is how far below the baseline mean a run may fall
	// before it counts as a regression.
	RegressionPercent float64 `json:"regression_percent"`
	BaselineCount     int     `json:"baseline_count"`
}

func DefaultConfig() Config {
	return Config{
		SuccessWeight:     0.7,
		EfficiencyWeight:  0.3,
		TargetDuration:    5 * time.Second,
		Thresholds:        Thresholds{Excellent: 90, Good: 70, Fair: 50},
		RegressionPercent: 10,
		BaselineCount:     10,
	}
}

// Validate rejects weights or thresholds that cannot produce a score.
func (c Config) Validate() error {
	if c.SuccessWeight < 0 || c.EfficiencyWeight < 0 || c.SuccessWeight+c.EfficiencyWeight == 0 {
		return fmt.Errorf("evaluator: weights must be non-negative and not both zero")
	}
	t := c.Thresholds
	if !(t.Excellent >= t.Good && t.Good >= t.Fair && t.Fair >= 0 && t.Excellent <= 100) {
		return fmt.Errorf("evaluator: thresholds must satisfy 100 >= excellent >= good >= fair >= 0")
	}
	if c.TargetDuration <= 0 {
		return fmt.Errorf("evaluator: target_duration must be positive")
	}
	if c.RegressionPercent < 0 || c.RegressionPercent >= 100 {
		return fmt.Errorf("evaluator: regression_percent must be in [0, 100)")
	}
	return nil
}

// TaskMetrics scores one task.
type TaskMetrics struct {
	TaskID     string           `json:"task_id"`
	Role       string           `json:"role"`
	Status     model.TaskStatus `json:"status"`
	Duration   time.Duration    `json:"duration"`
	Attempts   int              `json:"attempts"`
	Efficiency float64          `json:"efficiency"`
}

// Evaluation is the derived, read-only quality report for one run.
type Evaluation struct {
	WorkflowID      string        `json:"workflow_id"`
	Signature       string        `json:"signature"`
	PlanName        string        `json:"plan_name,omitempty"`
	TotalTasks      int           `json:"total_tasks"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	SuccessRate     float64       `json:"success_rate"`
	ErrorRate       float64       `json:"error_rate"`
	MeanDuration    time.Duration `json:"mean_duration"`
	P95Duration     time.Duration `json:"p95_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
	Efficiency      float64       `json:"efficiency"`
	Retries         int           `json:"retries"`
	Score           float64       `json:"score"`
	Grade           Grade         `json:"grade"`
	Tasks           []TaskMetrics `json:"tasks"`
	Recommendations []string      `json:"recommendations,omitempty"`
	EvaluatedAt     time.Time     `json:"evaluated_at"`
}

// Regression compares a run against the mean of earlier runs of the same
// plan signature.
type Regression struct {
	Detected            bool     `json:"regression_detected"`
	Samples             int      `json:"samples"`
	BaselineScore       float64  `json:"baseline_score"`
	BaselineSuccessRate float64  `json:"baseline_success_rate"`
	Score               float64  `json:"score"`
	SuccessRate         float64  `json:"success_rate"`
	Details             []string `json:"details"`
}

// Evaluator scores workflow results and keeps their history.
type Evaluator struct {
	cfg     Config
	history HistoryStore
	logger  *zap.Logger
}

// New creates an evaluator. A nil history keeps evaluations in memory.
// Thresholds and RegressionPercent are used as given; zero is a valid
// setting for both. Only values that cannot score (both weights zero, a
// non-positive target duration or baseline count) fall back to
// DefaultConfig.
func New(cfg Config, history HistoryStore, logger *zap.Logger) *Evaluator {
	def := DefaultConfig()
	if cfg.SuccessWeight == 0 && cfg.EfficiencyWeight == 0 {
		cfg.SuccessWeight, cfg.EfficiencyWeight = def.SuccessWeight, def.EfficiencyWeight
	}
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = def.TargetDuration
	}
	if cfg.BaselineCount <= 0 {
		cfg.BaselineCount = def.BaselineCount
	}
	if history == nil {
		history = NewMemoryHistory(1000)
	}
	return &Evaluator{cfg: cfg, history: history, logger: logger}
}

func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate derives metrics from a result. Tasks skipped by routing in a
// successful run are not counted against it.
func (e *Evaluator) Evaluate(result *model.WorkflowResult) *Evaluation {
	ev := &Evaluation{
		WorkflowID:    result.WorkflowID,
		Signature:     result.Signature,
		PlanName:      result.PlanName,
		TotalDuration: result.Duration,
		EvaluatedAt:   time.Now(),
	}

	var durations []time.Duration
	var effSum float64
	for _, o := range result.Tasks {
		if o.Skipped && result.Success {
			continue
		}
		tm := TaskMetrics{TaskID: o.TaskID, Role: o.Role, Status: o.Status, Duration: o.Duration, Attempts: o.Attempts}
		ev.TotalTasks++
		if o.Attempts > 1 {
			ev.Retries += o.Attempts - 1
		}
		switch o.Status {
		case model.TaskCompleted:
			ev.Completed++
			tm.Efficiency = e.efficiency(o.Duration)
			effSum += tm.Efficiency
			durations = append(durations, o.Duration)
		case model.TaskFailed:
			ev.Failed++
			durations = append(durations, o.Duration)
		case model.TaskCancelled:
			ev.Cancelled++
		}
		ev.Tasks = append(ev.Tasks, tm)
	}

	if ev.TotalTasks > 0 {
		ev.SuccessRate = float64(ev.Completed) / float64(ev.TotalTasks)
		ev.ErrorRate = float64(ev.Failed) / float64(ev.TotalTasks)
	}
	if ev.Completed > 0 {
		ev.Efficiency = effSum / float64(ev.Completed)
	}
	ev.MeanDuration, ev.P95Duration = meanAndP95(durations)

	ws, we := e.cfg.SuccessWeight, e.cfg.EfficiencyWeight
	ev.Score = round2(100 * (ws*ev.SuccessRate + we*ev.Efficiency) / (ws + we))
	ev.Grade = e.grade(ev.Score)
	ev.Recommendations = e.recommend(ev)
	return ev
}

// Record stores an evaluation so later runs can compare against it.
func (e *Evaluator) Record(ctx context.Context, ev *Evaluation) error {
	return e.history.Append(ctx, ev)
}

// Lookup returns the stored evaluation of a workflow.
func (e *Evaluator) Lookup(ctx context.Context, workflowID string) (*Evaluation, error) {
	return e.history.Get(ctx, workflowID)
}

// DetectRegression compares ev with the mean of the last baselineCount
// evaluations sharing its signature. Evaluations of the same workflow id are
// not part of the baseline. No history means no regression.
func (e *Evaluator) DetectRegression(ctx context.Context, ev *Evaluation, baselineCount int) (*Regression, error) {
	if baselineCount <= 0 {
		baselineCount = e.cfg.BaselineCount
	}
	past, err := e.history.Recent(ctx, ev.Signature, baselineCount, ev.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	reg := &Regression{Samples: len(past), Score: ev.Score, SuccessRate: ev.SuccessRate}
	if len(past) == 0 {
		reg.Details = []string{"no baseline for this plan signature"}
		return reg, nil
	}
	for _, p := range past {
		reg.BaselineScore += p.Score
		reg.BaselineSuccessRate += p.SuccessRate
	}
	reg.BaselineScore = round2(reg.BaselineScore / float64(len(past)))
	reg.BaselineSuccessRate /= float64(len(past))

	factor := 1 - e.cfg.RegressionPercent/100
	if ev.Score < reg.BaselineScore*factor {
		reg.Detected = true
		reg.Details = append(reg.Details, fmt.Sprintf("score %.2f is more than %.0f%% below baseline %.2f",
			ev.Score, e.cfg.RegressionPercent, reg.BaselineScore))
	}
	if ev.SuccessRate < reg.BaselineSuccessRate*factor {
		reg.Detected = true
		reg.Details = append(reg.Details, fmt.Sprintf("success rate %.2f is more than %.0f%% below baseline %.2f",
			ev.SuccessRate, e.cfg.RegressionPercent, reg.BaselineSuccessRate))
	}
	if !reg.Detected {
		reg.Details = []string{fmt.Sprintf("within %.0f%% of baseline over %d runs", e.cfg.RegressionPercent, len(past))}
	}
	return reg, nil
}

func (e *Evaluator) efficiency(d time.Duration) float64 {
	if d <= 0 || d <= e.cfg.TargetDuration {
		return 1
	}
	return float64(e.cfg.TargetDuration) / float64(d)
}

func (e *Evaluator) grade(score float64) Grade {
	t := e.cfg.Thresholds
	switch {
	case score >= t.Excellent:
		return GradeExcellent
	case score >= t.Good:
		return GradeGood
	case score >= t.Fair:
		return GradeFair
	}
	return GradePoor
}

func (e *Evaluator) recommend(ev *Evaluation) []string {
	var out []string
	var failed, slow []string
	for _, t := range ev.Tasks {
		if t.Status == model.TaskFailed {
			failed = append(failed, t.TaskID)
		}
		if t.Status == model.TaskCompleted && t.Duration > 2*e.cfg.TargetDuration {
			slow = append(slow, t.TaskID)
		}
	}
	if len(failed) > 0 {
		out = append(out, fmt.Sprintf("inspect failed tasks %v", failed))
	}
	if len(slow) > 0 {
		out = append(out, fmt.Sprintf("tasks %v ran over twice the %s target", slow, e.cfg.TargetDuration))
	}
	if ev.Retries > 0 {
		out = append(out, fmt.Sprintf("%d retries were needed; check handler stability", ev.Retries))
	}
	if ev.Cancelled > 0 && ev.Failed == 0 {
		out = append(out, fmt.Sprintf("%d tasks were cancelled before finishing", ev.Cancelled))
	}
	return out
}

// meanAndP95 uses the nearest-rank percentile.
func meanAndP95(ds []time.Duration) (time.Duration, time.Duration) {
	if len(ds) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	return sum / time.Duration(len(sorted)), sorted[rank]
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
