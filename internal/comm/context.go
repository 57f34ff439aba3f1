package comm

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// HandoffKey is the shared-context key written by HandoffResult.
const HandoffKey = "handoff"

// contextSlot holds one workflow's committed context. Writers serialize on
// lock; readers load the committed pointer and never wait.
type contextSlot struct {
	lock    chan struct{}
	current atomic.Pointer[model.SharedContext]
}

func (c *Communicator) slot(workflowID string) *contextSlot {
	c.mu.RLock()
	s, ok := c.contexts[workflowID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.contexts[workflowID]; ok {
		return s
	}
	s = &contextSlot{lock: make(chan struct{}, 1)}
	s.current.Store(&model.SharedContext{WorkflowID: workflowID, Data: map[string]any{}})
	c.contexts[workflowID] = s
	return s
}

func (c *Communicator) acquire(ctx context.Context, s *contextSlot, workflowID string) error {
	timer := time.NewTimer(c.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: workflow %s after %s", ErrLockTimeout, workflowID, c.cfg.LockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForgetWorkflow drops a workflow's shared context and message history.
func (c *Communicator) ForgetWorkflow(workflowID string) {
	c.mu.Lock()
	delete(c.contexts, workflowID)
	c.mu.Unlock()
	c.history.forget(workflowID)
}

// GetSharedContext returns the latest committed snapshot without blocking.
func (c *Communicator) GetSharedContext(workflowID string) model.SharedContext {
	return c.slot(workflowID).current.Load().Clone()
}

// WithContextLock runs a read-modify-write on a workflow's context while
// holding its advisory lock. fn receives a snapshot and returns the keys to
// merge; a nil value deletes the key. If fn fails nothing is committed.
// Every committed call increments the version by exactly one.
func (c *Communicator) WithContextLock(ctx context.Context, workflowID, role string,
	fn func(current model.SharedContext) (map[string]any, error)) (int64, error) {

	s := c.slot(workflowID)
	if err := c.acquire(ctx, s, workflowID); err != nil {
		c.logger.Warn("shared context lock unavailable",
			zap.String("workflow", workflowID),
			zap.String("role", role),
			zap.Error(err))
		return 0, err
	}
	defer func() { <-s.lock }()

	cur := s.current.Load()
	updates, err := fn(cur.Clone())
	if err != nil {
		return cur.Version, err
	}

	next := cur.Clone()
	keys := make([]string, 0, len(updates))
	for k, v := range updates {
		keys = append(keys, k)
		if v == nil {
			delete(next.Data, k)
			continue
		}
		next.Data[k] = v
	}
	sort.Strings(keys)

	now := time.Now()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	next.Audit = append(next.Audit, model.AuditEntry{
		Role:      role,
		Version:   next.Version,
		Keys:      keys,
		Timestamp: now,
	})
	if over := len(next.Audit) - c.cfg.AuditLimit; over > 0 {
		next.Audit = next.Audit[over:]
	}
	s.current.Store(&next)
	return next.Version, nil
}

// UpdateSharedContext merges updates into a workflow's context and returns
// the new version.
func (c *Communicator) UpdateSharedContext(ctx context.Context, workflowID, role string, updates map[string]any) (int64, error) {
	return c.WithContextLock(ctx, workflowID, role, func(model.SharedContext) (map[string]any, error) {
		return updates, nil
	})
}

// RestoreSharedContext replaces a workflow's context with a saved snapshot,
// version included.
func (c *Communicator) RestoreSharedContext(ctx context.Context, snap model.SharedContext) error {
	s := c.slot(snap.WorkflowID)
	if err := c.acquire(ctx, s, snap.WorkflowID); err != nil {
		return err
	}
	defer func() { <-s.lock }()
	restored := snap.Clone()
	s.current.Store(&restored)
	c.logger.Info("shared context restored",
		zap.String("workflow", snap.WorkflowID),
		zap.Int64("version", snap.Version))
	return nil
}

// HandoffResult stores data under HandoffKey and tells the target role
// about it with a result_handoff message.
func (c *Communicator) HandoffResult(ctx context.Context, from, to, workflowID string, data map[string]any) error {
	version, err := c.UpdateSharedContext(ctx, workflowID, from, map[string]any{
		HandoffKey: map[string]any{
			"from": from,
			"to":   to,
			"data": data,
		},
	})
	if err != nil {
		return fmt.Errorf("handoff %s -> %s: %w", from, to, err)
	}
	_, err = c.SendMessage(ctx, Message{
		WorkflowID: workflowID,
		Type:       MessageResultHandoff,
		From:       from,
		To:         to,
		Payload: map[string]any{
			"key":     HandoffKey,
			"version": version,
		},
	})
	if err != nil {
		return fmt.Errorf("handoff %s -> %s: %w", from, to, err)
	}
	return nil
}
