package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryMode decides which handler errors are retried.
type RetryMode string

const (
	// RetryAll retries every error not marked Permanent.
	RetryAll RetryMode = "all"
	// RetryTransient retries only attempt timeouts and Retryable errors.
	RetryTransient RetryMode = "transient"
)

// Config tunes the worker pool, rate limiter and backoff.
type Config struct {
	Workers       int
	RatePerSecond float64 // <= 0 disables rate limiting
	Burst         int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RetryMode     RetryMode
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Workers:     10,
		Burst:       1,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		RetryMode:   RetryAll,
	}
}

// TaskQueue runs jobs on a bounded pool, highest priority first, FIFO within
// a priority tier. Failed attempts are rescheduled with exponential backoff.
type TaskQueue struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ready   readyHeap
	delayed delayedHeap
	seq     uint64
	running int
	started bool
	closed  bool

	// overrunning counts handlers abandoned at their timeout that have not
	// returned yet. They no longer hold a worker slot.
	overrunning int

	wake   chan struct{}
	pool   chan struct{} // semaphore-based pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Jobs may be enqueued before Start.
func New(cfg Config, logger *zap.Logger) *TaskQueue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.RetryMode == "" {
		cfg.RetryMode = def.RetryMode
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &TaskQueue{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		pool:    make(chan struct{}, cfg.Workers),
	}
}

// Start launches the dispatcher. It is a no-op on a started queue.
func (q *TaskQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatch(ctx)
	q.logger.Info("task queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.Float64("rate_per_second", q.cfg.RatePerSecond))
}

// Stop halts dispatching, waits for running attempts to return and cancels
// every job that has not reached a terminal state.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.status.Terminal() {
			continue
		}
		q.removeLocked(e)
		e.lastErr = ErrQueueClosed
		q.finishLocked(e, StatusCancelled)
	}
	q.logger.Info("task queue stopped")
}

// Enqueue makes a job eligible immediately.
func (q *TaskQueue) Enqueue(job *Job) (string, error) {
	return q.add(job, time.Time{})
}

// Schedule makes a job eligible at or after at.
func (q *TaskQueue) Schedule(job *Job, at time.Time) (string, error) {
	return q.add(job, at)
}

func (q *TaskQueue) add(job *Job, at time.Time) (string, error) {
	if err := job.validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	if _, exists := q.entries[job.ID]; exists {
		return "", fmt.Errorf("%w: duplicate job id %s", ErrInvalidJob, job.ID)
	}

	now := time.Now()
	e := &entry{
		job:        job,
		status:     StatusQueued,
		index:      -1,
		enqueuedAt: now,
		done:       make(chan struct{}),
	}
	q.entries[job.ID] = e
	q.seq++
	e.seq = q.seq

	if at.After(now) {
		e.notBefore = at
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
	q.signal()

	q.logger.Debug("job enqueued",
		zap.String("job", job.ID),
		zap.String("name", job.Name),
		zap.Stringer("priority", job.Priority),
		zap.Time("not_before", e.notBefore))
	return job.ID, nil
}

// Cancel removes a waiting job from the schedule. A running job finishes its
// current attempt but is not retried.
func (q *TaskQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch e.status {
	case StatusQueued, StatusRetryScheduled:
		q.removeLocked(e)
		if e.lastErr == nil {
			e.lastErr = ErrJobCancelled
		}
		q.finishLocked(e, StatusCancelled)
		q.logger.Debug("job cancelled", zap.String("job", id))
	case StatusRunning:
		e.cancelReq = true
		q.logger.Debug("job cancel requested while running", zap.String("job", id))
	}
	return nil
}

// WaitForJob blocks until the job is terminal or timeout elapses. Unknown ids
// fail immediately with ErrJobNotFound. A non-positive timeout polls.
func (q *TaskQueue) WaitForJob(ctx context.Context, id string, timeout time.Duration) (*Result, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if timeout <= 0 {
		select {
		case <-e.done:
			return q.snapshot(e), nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, id)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return q.snapshot(e), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the current state of a job without blocking.
func (q *TaskQueue) Result(id string) (*Result, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return q.snapshot(e), nil
}

// Forget drops a terminal job's bookkeeping. It returns false for unknown or
// still active jobs.
func (q *TaskQueue) Forget(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || !e.status.Terminal() {
		return false
	}
	delete(q.entries, id)
	return true
}

// Stats summarizes the queue.
type Stats struct {
	Workers       int            `json:"workers"`
	Running       int            `json:"running"`
	Ready         int            `json:"ready"`
	Delayed       int            `json:"delayed"`
	Overrunning   int            `json:"overrunning"`
	RatePerSecond float64        `json:"rate_per_second"`
	ByStatus      map[Status]int `json:"by_status"`
}

func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Workers:       q.cfg.Workers,
		Running:       q.running,
		Ready:         q.ready.Len(),
		Delayed:       q.delayed.Len(),
		Overrunning:   q.overrunning,
		RatePerSecond: q.cfg.RatePerSecond,
		ByStatus:      make(map[Status]int),
	}
	for _, e := range q.entries {
		s.ByStatus[e.status]++
	}
	return s
}

// Config returns the effective settings after defaults were applied.
func (q *TaskQueue) Config() Config { return q.cfg }

func (q *TaskQueue) snapshot(e *entry) *Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return e.result()
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch hands ready jobs to the pool. A slot and a rate token are taken
// before the highest-priority job is popped, so a job that arrives while the
// dispatcher waits still competes for that slot.
func (q *TaskQueue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case q.pool <- struct{}{}: // acquire slot
		case <-ctx.Done():
			return
		}

		if !q.awaitReady(ctx) {
			<-q.pool
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			<-q.pool
			return
		}

		q.mu.Lock()
		q.promoteLocked(time.Now())
		if q.ready.Len() == 0 {
			// Cancelled between awaitReady and here.
			q.mu.Unlock()
			<-q.pool
			continue
		}
		e := heap.Pop(&q.ready).(*entry)
		e.status = StatusRunning
		e.attempt++
		if e.startedAt.IsZero() {
			e.startedAt = time.Now()
		}
		q.running++
		attempt := e.attempt
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run(ctx, e, attempt)
	}
}

// awaitReady blocks until at least one job is ready to run.
func (q *TaskQueue) awaitReady(ctx context.Context) bool {
	for {
		q.mu.Lock()
		now := time.Now()
		q.promoteLocked(now)
		if q.ready.Len() > 0 {
			q.mu.Unlock()
			return true
		}
		wait := time.Duration(-1)
		if q.delayed.Len() > 0 {
			wait = q.delayed[0].notBefore.Sub(now)
		}
		q.mu.Unlock()

		sleepCtx(ctx, wait, q.wake)
		if ctx.Err() != nil {
			return false
		}
	}
}

// promoteLocked moves due delayed jobs to the ready heap.
func (q *TaskQueue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].notBefore.After(now) {
		e := heap.Pop(&q.delayed).(*entry)
		e.status = StatusQueued
		q.seq++
		e.seq = q.seq
		heap.Push(&q.ready, e)
	}
}

func (q *TaskQueue) removeLocked(e *entry) {
	if e.index < 0 {
		return
	}
	switch e.status {
	case StatusQueued:
		heap.Remove(&q.ready, e.index)
	case StatusRetryScheduled:
		heap.Remove(&q.delayed, e.index)
	}
}

func (q *TaskQueue) finishLocked(e *entry, status Status) {
	if err := transition(e.status, status); err != nil {
		q.logger.Error("job state machine violated", zap.String("job", e.job.ID), zap.Error(err))
	}
	e.status = status
	e.finishedAt = time.Now()
	close(e.done)
}

func (q *TaskQueue) run(ctx context.Context, e *entry, attempt int) {
	defer q.wg.Done()
	defer func() { <-q.pool }() // release slot

	if e.job.OnStart != nil {
		e.job.OnStart(attempt)
	}
	out, err := q.invoke(ctx, e.job)
	q.complete(e, attempt, out, err)
}

type outcome struct {
	out map[string]any
	err error
}

// invoke runs one attempt under the job timeout. A handler that ignores its
// context is abandoned when the timeout fires: its slot goes back to the
// pool and it is counted in Stats.Overrunning until it returns, so such
// handlers can push real concurrency past Workers.
func (q *TaskQueue) invoke(ctx context.Context, job *Job) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := job.Handler(attemptCtx, job.Payload)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, job.Timeout, o.err)
		}
		return o.out, o.err
	case <-attemptCtx.Done():
		q.abandon(job, ch)
		if ctx.Err() != nil {
			return nil, ErrQueueClosed
		}
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, job.Timeout)
	}
}

// abandon tracks a handler still running after its attempt gave up.
func (q *TaskQueue) abandon(job *Job, done <-chan outcome) {
	q.mu.Lock()
	q.overrunning++
	q.mu.Unlock()
	q.logger.Warn("handler ignored its timeout and keeps running",
		zap.String("job", job.ID), zap.Duration("timeout", job.Timeout))
	go func() {
		<-done
		q.mu.Lock()
		q.overrunning--
		q.mu.Unlock()
	}()
}

func (q *TaskQueue) complete(e *entry, attempt int, out map[string]any, err error) {
	q.mu.Lock()
	q.running--

	if err == nil {
		e.output = out
		e.lastErr = nil
		q.finishLocked(e, StatusSucceeded)
		q.mu.Unlock()
		q.logger.Debug("job succeeded", zap.String("job", e.job.ID), zap.Int("attempt", attempt))
		return
	}

	e.lastErr = err
	switch {
	case e.cancelReq || q.closed:
		q.finishLocked(e, StatusCancelled)
		q.mu.Unlock()
		q.logger.Info("job cancelled after attempt", zap.String("job", e.job.ID), zap.Error(err))
		return
	case attempt <= e.job.MaxRetries && q.retryable(err):
		delay := q.backoff(attempt)
		if terr := transition(e.status, StatusRetryScheduled); terr != nil {
			q.logger.Error("job state machine violated", zap.String("job", e.job.ID), zap.Error(terr))
		}
		e.status = StatusRetryScheduled
		e.notBefore = time.Now().Add(delay)
		q.mu.Unlock()

		q.logger.Warn("job attempt failed, retry scheduled",
			zap.String("job", e.job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		// The hook runs before the entry is schedulable so it always
		// observes the retry ahead of the next OnStart.
		if e.job.OnRetry != nil {
			e.job.OnRetry(attempt, err, delay)
		}

		q.mu.Lock()
		if e.status == StatusRetryScheduled && e.index < 0 {
			heap.Push(&q.delayed, e)
			q.signal()
		}
		q.mu.Unlock()
		return
	default:
		q.finishLocked(e, StatusFailed)
		q.mu.Unlock()
		q.logger.Error("job failed",
			zap.String("job", e.job.ID),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
}

func (q *TaskQueue) retryable(err error) bool {
	if IsPermanent(err) || errors.Is(err, ErrQueueClosed) {
		return false
	}
	if q.cfg.RetryMode == RetryTransient {
		return IsTransient(err)
	}
	return true
}

// backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func (q *TaskQueue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}
