package model

import "fmt"

// TaskStatus tracks a task through a workflow run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskReady, TaskCancelled},
	TaskReady:    {TaskRunning, TaskFailed, TaskCancelled},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskRetrying, TaskCancelled},
	TaskRetrying: {TaskRunning, TaskFailed, TaskCancelled},
}

// TaskTransition returns nil if from→to is a legal task transition.
func TaskTransition(from, to TaskStatus) error {
	for _, s := range taskTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %q → %q", from, to)
}

// WorkflowStatus tracks a plan run.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowCreated: {WorkflowRunning, WorkflowCancelled},
	WorkflowRunning: {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
	// A paused run still settles once its in-flight tasks decide the plan.
	WorkflowPaused:  {WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
}

// WorkflowTransition returns nil if from→to is a legal workflow transition.
func WorkflowTransition(from, to WorkflowStatus) error {
	for _, s := range workflowTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid workflow transition %q → %q", from, to)
}
