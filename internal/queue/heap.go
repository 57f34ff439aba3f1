package queue

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// entry is the queue's bookkeeping for one job. All fields other than job
// are guarded by TaskQueue.mu.
type entry struct {
	job        *Job
	status     Status
	attempt    int
	seq        uint64
	notBefore  time.Time
	index      int
	cancelReq  bool
	lastErr    error
	output     map[string]any
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

func (e *entry) priority() model.Priority { return e.job.Priority }

func (e *entry) result() *Result {
	r := &Result{
		JobID:      e.job.ID,
		Name:       e.job.Name,
		Status:     e.status,
		Output:     e.output,
		Err:        e.lastErr,
		Attempts:   e.attempt,
		EnqueuedAt: e.enqueuedAt,
		StartedAt:  e.startedAt,
		FinishedAt: e.finishedAt,
	}
	if e.lastErr != nil {
		r.Error = e.lastErr.Error()
	}
	return r
}

// readyHeap orders by priority (highest first), then sequence (FIFO).
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority() != h[j].priority() {
		return h[i].priority() > h[j].priority()
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// delayedHeap orders by eligibility time, then sequence.
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].notBefore.Before(h[j].notBefore)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// sleepCtx waits for d or until ctx or wake fires.
func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	var timerC <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timerC:
	}
}
