package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// ErrUnassignable is matched by every UnassignableRequirementError.
var ErrUnassignable = errors.New("unassignable requirement")

// Role is a worker role and the capabilities it declares.
type Role struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Description  string   `json:"description,omitempty"`
	// Priority breaks ties between equally specific matches, higher first.
	Priority int `json:"priority"`
}

// Requirement is one piece of work the caller needs done. Its Key becomes
// the task id; Capabilities default to the key itself.
type Requirement struct {
	Key          string         `json:"key" yaml:"key"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Input        map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Priority     model.Priority `json:"priority" yaml:"priority"`
	MaxRetries   int            `json:"max_retries" yaml:"max_retries"`
	Timeout      model.Duration `json:"timeout" yaml:"timeout"`
	Compensation string         `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Route        *model.Route   `json:"route,omitempty" yaml:"route,omitempty"`
}

// Requirements is the input to Decompose.
type Requirements struct {
	Items           []Requirement `json:"items" yaml:"items"`
	Pattern         model.Pattern `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	CheckpointEvery int           `json:"checkpoint_every,omitempty" yaml:"checkpoint_every,omitempty"`
}

// UnassignableRequirementError reports a requirement no registered role can
// serve.
type UnassignableRequirementError struct {
	Key          string
	Capabilities []string
}

func (e *UnassignableRequirementError) Error() string {
	return fmt.Sprintf("unassignable requirement %q: no role offers [%s]", e.Key, strings.Join(e.Capabilities, ", "))
}

func (e *UnassignableRequirementError) Is(target error) bool { return target == ErrUnassignable }

// Report is everything ExecuteWorkflow produced for one run.
type Report struct {
	Plan       *model.Plan           `json:"plan"`
	Result     *model.WorkflowResult `json:"result"`
	Evaluation *evaluator.Evaluation `json:"evaluation,omitempty"`
	Regression *evaluator.Regression `json:"regression,omitempty"`
	Summary    string                `json:"summary"`
}
