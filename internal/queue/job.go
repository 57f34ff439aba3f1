package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

var (
	ErrInvalidJob     = errors.New("invalid job")
	ErrJobNotFound    = errors.New("job not found")
	ErrWaitTimeout    = errors.New("timed out waiting for job")
	ErrAttemptTimeout = errors.New("job attempt timed out")
	ErrQueueClosed    = errors.New("task queue closed")
	ErrJobCancelled   = errors.New("job cancelled")
)

// Handler executes one attempt of a job. It must honour ctx, which carries
// the per-attempt timeout, and be safe to call again on retry. A handler
// still running when the timeout fires is abandoned without its worker slot;
// see Stats.Overrunning.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Job is the unit of work accepted by the queue.
type Job struct {
	ID         string
	Name       string
	Priority   model.Priority
	Payload    map[string]any
	Handler    Handler
	MaxRetries int
	Timeout    time.Duration

	// OnStart is called before every attempt, OnRetry after a failed attempt
	// that will be retried. Both run on the worker goroutine.
	OnStart func(attempt int)
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (j *Job) validate() error {
	switch {
	case j == nil:
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	case j.Handler == nil:
		return fmt.Errorf("%w: handler is nil", ErrInvalidJob)
	case j.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidJob, j.Timeout)
	case j.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidJob)
	}
	return nil
}

// Status is the queue-level state of a job.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var jobTransitions = map[Status][]Status{
	StatusQueued:         {StatusRunning, StatusCancelled},
	StatusRunning:        {StatusSucceeded, StatusFailed, StatusRetryScheduled, StatusCancelled},
	StatusRetryScheduled: {StatusQueued, StatusCancelled},
}

func transition(from, to Status) error {
	for _, s := range jobTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %q → %q", from, to)
}

// Result is a snapshot of a job's outcome.
type Result struct {
	JobID      string         `json:"job_id"`
	Name       string         `json:"name,omitempty"`
	Status     Status         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  time.Time      `json:"started_at,omitzero"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// IsTransient reports whether err is an attempt timeout or explicitly retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) || IsRetryable(err)
}
