package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan is matched by every ValidationError.
var ErrInvalidPlan = errors.New("invalid plan")

// ValidationReason classifies a plan validation failure.
type ValidationReason string

const (
	ReasonEmpty         ValidationReason = "empty"
	ReasonMissingID     ValidationReason = "missing_id"
	ReasonMissingRole   ValidationReason = "missing_role"
	ReasonDuplicateID   ValidationReason = "duplicate_id"
	ReasonUnknownDep    ValidationReason = "unknown_dependency"
	ReasonSelfDep       ValidationReason = "self_dependency"
	ReasonCycle         ValidationReason = "cycle"
	ReasonBadPattern    ValidationReason = "unknown_pattern"
	ReasonBadRoute      ValidationReason = "bad_route"
	ReasonNegativeValue ValidationReason = "negative_value"
)

// ValidationError reports why a plan was rejected. TaskIDs names the tasks
// involved; for cycles it is the witness path with the first id repeated last.
type ValidationError struct {
	Reason  ValidationReason
	TaskIDs []string
	Detail  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid plan: ")
	b.WriteString(string(e.Reason))
	if len(e.TaskIDs) > 0 {
		sep := ", "
		if e.Reason == ReasonCycle {
			sep = " -> "
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(e.TaskIDs, sep))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidPlan }

// ErrorKind classifies entries in a WorkflowResult's error list.
type ErrorKind string

const (
	ErrorTask          ErrorKind = "task"
	ErrorTimeout       ErrorKind = "timeout"
	ErrorCommunication ErrorKind = "communication"
	ErrorCompensation  ErrorKind = "compensation"
	ErrorCancelled     ErrorKind = "cancelled"
	ErrorInternal      ErrorKind = "internal"
)

// TaskError is an error attributed to the task that caused it.
type TaskError struct {
	TaskID  string    `json:"task_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	cause error
}

// NewTaskError wraps err with the originating task id.
func NewTaskError(taskID string, kind ErrorKind, err error) TaskError {
	return TaskError{TaskID: taskID, Kind: kind, Message: err.Error(), cause: err}
}

func (e TaskError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("task %s: %s: %s", e.TaskID, e.Kind, e.Message)
}

func (e TaskError) Unwrap() error { return e.cause }
