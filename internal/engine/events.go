package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// EventKind is one of the engine's lifecycle events.
type EventKind string

const (
	EventTaskStarted       EventKind = "TASK_STARTED"
	EventTaskCompleted     EventKind = "TASK_COMPLETED"
	EventTaskFailed        EventKind = "TASK_FAILED"
	EventWorkflowCompleted EventKind = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventKind = "WORKFLOW_FAILED"
	EventCheckpointSaved   EventKind = "CHECKPOINT_SAVED"
)

// Terminal reports whether the event closes a workflow.
func (k EventKind) Terminal() bool {
	return k == EventWorkflowCompleted || k == EventWorkflowFailed
}

// Event describes one lifecycle transition. Task fields are empty for
// workflow events; Plan and Result are set on terminal workflow events.
type Event struct {
	Kind       EventKind             `json:"kind"`
	WorkflowID string                `json:"workflow_id"`
	PlanName   string                `json:"plan_name,omitempty"`
	TaskID     string                `json:"task_id,omitempty"`
	Role       string                `json:"role,omitempty"`
	Attempt    int                   `json:"attempt,omitempty"`
	Status     string                `json:"status,omitempty"`
	Error      string                `json:"error,omitempty"`
	Duration   time.Duration         `json:"duration,omitempty"`
	Checkpoint int64                 `json:"checkpoint,omitempty"`
	Plan       *model.Plan           `json:"-"`
	Result     *model.WorkflowResult `json:"-"`
	Timestamp  time.Time             `json:"timestamp"`
}

// EventSink consumes events. Errors are logged and never affect the
// workflow.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// bus delivers events from a single goroutine in publish order: first to
// every sink, then to the workflow's watchers. Watch channels close after
// the workflow's terminal event.
type bus struct {
	logger      *zap.Logger
	sinkTimeout time.Duration
	watchBuffer int

	mu       sync.Mutex
	sinks    []EventSink
	watchers map[string][]chan Event
	pending  []Event
	busy     bool
	closed   bool
	wake     chan struct{}
	idle     *sync.Cond
	done     chan struct{}
}

func newBus(logger *zap.Logger, sinkTimeout time.Duration, watchBuffer int) *bus {
	b := &bus{
		logger:      logger,
		sinkTimeout: sinkTimeout,
		watchBuffer: watchBuffer,
		watchers:    make(map[string][]chan Event),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	go b.loop()
	return b
}

func (b *bus) subscribe(s EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *bus) watch(workflowID string) (<-chan Event, func()) {
	ch := make(chan Event, b.watchBuffer)
	b.mu.Lock()
	b.watchers[workflowID] = append(b.watchers[workflowID], ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.watchers[workflowID]
			for i, w := range list {
				if w == ch {
					b.watchers[workflowID] = append(list[:i], list[i+1:]...)
					close(ch)
					break
				}
			}
			if len(b.watchers[workflowID]) == 0 {
				delete(b.watchers, workflowID)
			}
		})
	}
}

func (b *bus) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *bus) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.pending) == 0 {
			b.busy = false
			b.idle.Broadcast()
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}
		ev := b.pending[0]
		b.pending[0] = Event{}
		b.pending = b.pending[1:]
		b.busy = true
		sinks := append([]EventSink(nil), b.sinks...)
		b.mu.Unlock()

		for _, s := range sinks {
			b.deliver(s, ev)
		}
		b.notifyWatchers(ev)
	}
}

func (b *bus) deliver(s EventSink, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.sinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked",
				zap.String("event", string(ev.Kind)),
				zap.String("workflow", ev.WorkflowID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := s.HandleEvent(ctx, ev); err != nil {
		b.logger.Warn("event sink failed",
			zap.String("event", string(ev.Kind)),
			zap.String("workflow", ev.WorkflowID),
			zap.Error(err))
	}
}

func (b *bus) notifyWatchers(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.watchers[ev.WorkflowID]
	for _, ch := range list {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("watcher too slow, event dropped",
				zap.String("event", string(ev.Kind)),
				zap.String("workflow", ev.WorkflowID))
		}
		if ev.Kind.Terminal() {
			close(ch)
		}
	}
	if ev.Kind.Terminal() {
		delete(b.watchers, ev.WorkflowID)
	}
}

// flush blocks until every published event has been delivered.
func (b *bus) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 || b.busy {
		b.idle.Wait()
	}
}

// close delivers what is pending, then stops the loop.
func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, list := range b.watchers {
		for _, ch := range list {
			close(ch)
		}
		delete(b.watchers, id)
	}
}
