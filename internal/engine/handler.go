package engine

import (
	"context"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// TaskInput is everything a handler sees for one attempt.
type TaskInput struct {
	WorkflowID string
	TaskID     string
	Name       string
	Role       string
	Attempt    int
	Payload    map[string]any
	// Dependencies holds the committed output of each declared dependency,
	// keyed by task id.
	Dependencies map[string]any
	// Context is the shared context as of the start of the attempt.
	Context model.SharedContext
	Comm    *comm.Communicator
}

// TaskHandler executes tasks for one role. Handlers must tolerate being
// retried and should return when ctx is done.
type TaskHandler interface {
	Handle(ctx context.Context, in TaskInput) (map[string]any, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, in TaskInput) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, in TaskInput) (map[string]any, error) {
	return f(ctx, in)
}

// CompensationFunc undoes a completed task. output is what the task
// committed.
type CompensationFunc func(ctx context.Context, in TaskInput, output map[string]any) error

// HandlerResolver maps roles and compensation names to code.
type HandlerResolver interface {
	Handler(role string) (TaskHandler, bool)
	Compensation(name string) (CompensationFunc, bool)
}

// Handlers is a static HandlerResolver.
type Handlers struct {
	Roles         map[string]TaskHandler
	Compensations map[string]CompensationFunc
}

func (h Handlers) Handler(role string) (TaskHandler, bool) {
	th, ok := h.Roles[role]
	return th, ok
}

func (h Handlers) Compensation(name string) (CompensationFunc, bool) {
	fn, ok := h.Compensations[name]
	return fn, ok
}
