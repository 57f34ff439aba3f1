package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
)

const checkpointPrefix = "nuka:checkpoint:"

// OpenRedis connects to redisURL and verifies the connection.
func OpenRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return rdb, nil
}

// RedisCheckpoints keeps one JSON checkpoint per workflow under
// nuka:checkpoint:<id>, expiring after ttl when ttl > 0.
type RedisCheckpoints struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCheckpoints(rdb *redis.Client, ttl time.Duration) *RedisCheckpoints {
	return &RedisCheckpoints{rdb: rdb, ttl: ttl}
}

func (r *RedisCheckpoints) SaveCheckpoint(ctx context.Context, cp *engine.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := r.rdb.Set(ctx, checkpointPrefix+cp.WorkflowID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *RedisCheckpoints) LoadCheckpoint(ctx context.Context, workflowID string) (*engine.Checkpoint, error) {
	data, err := r.rdb.Get(ctx, checkpointPrefix+workflowID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", engine.ErrCheckpointNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

func (r *RedisCheckpoints) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	if err := r.rdb.Del(ctx, checkpointPrefix+workflowID).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
