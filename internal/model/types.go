package model

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders work in the task queue. The zero value is PriorityNormal so
// that tasks declared without a priority land in the default tier.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityUrgent Priority = 2
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	if s == "" {
		*p = PriorityNormal
		return nil
	}
	for k, v := range priorityNames {
		if v == s {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", s)
}

// Pattern selects how the engine executes a plan.
type Pattern string

const (
	PatternSequential   Pattern = "sequential"
	PatternParallel     Pattern = "parallel"
	PatternConditional  Pattern = "conditional"
	PatternSaga         Pattern = "saga"
	PatternCheckpointed Pattern = "checkpointed"
)

// Valid reports whether p is a known pattern. The empty pattern is valid and
// means "let the orchestrator decide".
func (p Pattern) Valid() bool {
	switch p {
	case "", PatternSequential, PatternParallel, PatternConditional, PatternSaga, PatternCheckpointed:
		return true
	}
	return false
}

// Duration is a time.Duration that reads and writes as "30s" in JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Task is a unit of work assigned to a role.
type Task struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Role         string         `json:"role" yaml:"role"`
	Input        map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Priority     Priority       `json:"priority" yaml:"priority"`
	MaxRetries   int            `json:"max_retries" yaml:"max_retries"`
	Timeout      Duration       `json:"timeout" yaml:"timeout"`
	Compensation string         `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Route        *Route         `json:"route,omitempty" yaml:"route,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// DecisionFunc picks which dependents of a finished task to activate in a
// conditional plan.
type DecisionFunc func(outcome TaskOutcome) []string

// Route is the declarative form of a DecisionFunc: the task output value at
// Key (formatted with fmt.Sprint) selects a case; unmatched values use Default.
type Route struct {
	Key     string              `json:"key" yaml:"key"`
	Cases   map[string][]string `json:"cases" yaml:"cases"`
	Default []string            `json:"default,omitempty" yaml:"default,omitempty"`
}

func (r *Route) decide(outcome TaskOutcome) []string {
	v, ok := outcome.Output[r.Key]
	if !ok {
		return r.Default
	}
	if targets, ok := r.Cases[fmt.Sprint(v)]; ok {
		return targets
	}
	return r.Default
}

// Plan is a validated graph of tasks plus the pattern used to execute it.
type Plan struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
	Pattern         Pattern   `json:"pattern" yaml:"pattern"`
	Tasks           []*Task   `json:"tasks" yaml:"tasks"`
	CheckpointEvery int       `json:"checkpoint_every,omitempty" yaml:"checkpoint_every,omitempty"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at,omitempty"`

	// Decisions holds programmatic routing for conditional plans. They take
	// precedence over a task's Route and are not serialized.
	Decisions map[string]DecisionFunc `json:"-" yaml:"-"`
}

// Task returns the task with the given id.
func (p *Plan) Task(id string) (*Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Decision returns the routing function registered for a task, if any.
func (p *Plan) Decision(taskID string) DecisionFunc {
	if fn, ok := p.Decisions[taskID]; ok && fn != nil {
		return fn
	}
	if t, ok := p.Task(taskID); ok && t.Route != nil {
		return t.Route.decide
	}
	return nil
}

// Dependents returns the ids of tasks that declare id as a dependency, in
// declaration order.
func (p *Plan) Dependents(id string) []string {
	var out []string
	for _, t := range p.Tasks {
		for _, d := range t.DependsOn {
			if d == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}

// Clone returns a deep enough copy of the plan for independent execution:
// task structs and slices are copied, input maps are shared.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Tasks = make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		tc := *t
		tc.DependsOn = append([]string(nil), t.DependsOn...)
		cp.Tasks[i] = &tc
	}
	return &cp
}
