package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "nuka:workflow:"

// StreamKey returns the Redis stream holding a workflow's messages.
func StreamKey(workflowID string) string {
	return streamPrefix + workflowID
}

// RedisMirror appends every message to a per-workflow Redis stream so the
// conversation survives the process and can be inspected or replayed.
type RedisMirror struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror wraps an existing client. maxLen caps each stream
// approximately; zero keeps everything.
func NewRedisMirror(rdb *redis.Client, maxLen int64, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{rdb: rdb, maxLen: maxLen, logger: logger}
}

// Publish implements MessageSink.
func (m *RedisMirror) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	stream := StreamKey(msg.WorkflowID)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type": string(msg.Type),
			"data": string(data),
		},
	}
	if m.maxLen > 0 {
		args.MaxLen = m.maxLen
		args.Approx = true
	}
	if _, err := m.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	m.logger.Debug("mirrored message",
		zap.String("workflow", msg.WorkflowID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("type", string(msg.Type)))
	return nil
}

// Replay reads a workflow's mirrored messages, oldest first.
func (m *RedisMirror) Replay(ctx context.Context, workflowID string) ([]Message, error) {
	entries, err := m.rdb.XRange(ctx, StreamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", workflowID, err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		if msg, ok := decodeEntry(e); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Follow tails a workflow's stream from now on. Cancel ctx to stop.
func (m *RedisMirror) Follow(ctx context.Context, workflowID string) <-chan Message {
	ch := make(chan Message, 16)
	stream := StreamKey(workflowID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					m.logger.Warn("follow stream", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, e := range r.Messages {
					lastID = e.ID
					msg, ok := decodeEntry(e)
					if !ok {
						continue
					}
					select {
					case ch <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func decodeEntry(e redis.XMessage) (Message, bool) {
	data, ok := e.Values["data"].(string)
	if !ok {
		return Message{}, false
	}
	var msg Message
	if json.Unmarshal([]byte(data), &msg) != nil {
		return Message{}, false
	}
	return msg, true
}
