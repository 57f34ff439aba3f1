package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
)

// Built-in handler kinds.
const (
	KindEcho    = "echo"
	KindMerge   = "merge"
	KindDelay   = "delay"
	KindFlaky   = "flaky"
	KindFail    = "fail"
	KindHandoff = "handoff"
)

// Built-in compensation names.
const (
	CompensationLog    = "log"
	CompensationRevert = "revert"
)

const defaultDelay = 100 * time.Millisecond

// RegisterBuiltins adds the default handlers and compensations to the catalog.
func RegisterBuiltins(c *Catalog) {
	c.Add(KindEcho, engine.HandlerFunc(echo))
	c.Add(KindMerge, engine.HandlerFunc(merge))
	c.Add(KindDelay, engine.HandlerFunc(delay))
	c.Add(KindFlaky, engine.HandlerFunc(flaky))
	c.Add(KindFail, engine.HandlerFunc(fail))
	c.Add(KindHandoff, engine.HandlerFunc(handoff))

	c.AddCompensation(CompensationLog, func(_ context.Context, in engine.TaskInput, output map[string]any) error {
		c.logger.Info("compensating task",
			zap.String("workflow", in.WorkflowID),
			zap.String("task", in.TaskID),
			zap.Int("output_keys", len(output)))
		return nil
	})
	c.AddCompensation(CompensationRevert, revert)
}

// echo returns its payload plus the ids of the dependencies it saw.
func echo(_ context.Context, in engine.TaskInput) (map[string]any, error) {
	out := maps.Clone(in.Payload)
	if out == nil {
		out = make(map[string]any)
	}
	out["role"] = in.Role
	if len(in.Dependencies) > 0 {
		out["inputs"] = slices.Sorted(maps.Keys(in.Dependencies))
	}
	return out, nil
}

// merge combines dependency outputs. With payload "key" set it collects
// that field from each dependency, in dependency id order.
func merge(_ context.Context, in engine.TaskInput) (map[string]any, error) {
	sources := slices.Sorted(maps.Keys(in.Dependencies))
	out := map[string]any{
		"sources": sources,
		"merged":  maps.Clone(in.Dependencies),
	}
	if key, _ := in.Payload["key"].(string); key != "" {
		values := make([]any, 0, len(sources))
		for _, id := range sources {
			if dep, ok := in.Dependencies[id].(map[string]any); ok {
				if v, ok := dep[key]; ok {
					values = append(values, v)
				}
			}
		}
		out["values"] = values
	}
	return out, nil
}

// delay sleeps for payload "duration" ("250ms") and honours cancellation.
func delay(ctx context.Context, in engine.TaskInput) (map[string]any, error) {
	d := defaultDelay
	if raw, ok := in.Payload["duration"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, queue.Permanent(fmt.Errorf("duration must be a string, got %T", raw))
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("parse duration: %w", err))
		}
		d = parsed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept_ms": d.Milliseconds()}, nil
}

// flaky fails transiently for the first "fail_times" attempts (default 1).
func flaky(_ context.Context, in engine.TaskInput) (map[string]any, error) {
	failTimes := intValue(in.Payload["fail_times"], 1)
	if in.Attempt <= failTimes {
		return nil, queue.Retryable(fmt.Errorf("attempt %d of %s failed", in.Attempt, in.TaskID))
	}
	return map[string]any{"attempts": in.Attempt}, nil
}

// fail always fails permanently with payload "message".
func fail(_ context.Context, in engine.TaskInput) (map[string]any, error) {
	msg, _ := in.Payload["message"].(string)
	if msg == "" {
		msg = "task failed"
	}
	return nil, queue.Permanent(errors.New(msg))
}

// handoff passes its payload to the role named by "to".
func handoff(ctx context.Context, in engine.TaskInput) (map[string]any, error) {
	to, _ := in.Payload["to"].(string)
	if to == "" {
		return nil, queue.Permanent(errors.New("handoff needs a target role in \"to\""))
	}
	if in.Comm == nil {
		return nil, queue.Permanent(errors.New("handoff needs a communicator"))
	}
	data := maps.Clone(in.Payload)
	delete(data, "to")
	if err := in.Comm.HandoffResult(ctx, in.Role, to, in.WorkflowID, data); err != nil {
		if errors.Is(err, comm.ErrUnknownRecipient) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	return map[string]any{"handed_to": to}, nil
}

// revert replaces the task's committed output with a reverted marker.
func revert(ctx context.Context, in engine.TaskInput, _ map[string]any) error {
	if in.Comm == nil {
		return nil
	}
	_, err := in.Comm.UpdateSharedContext(ctx, in.WorkflowID, in.Role, map[string]any{
		in.TaskID: map[string]any{"reverted": true},
	})
	return err
}

func intValue(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
