//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

var (
	testDSN      string
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("orchestra_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	return dsn, func() { container.Terminate(ctx) }, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	return "redis://" + endpoint, func() { container.Terminate(ctx) }, nil
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	url, redisCleanup, err := startRedis(ctx)
	if err != nil {
		pgCleanup()
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	testDSN, testRedisURL = dsn, url

	code := m.Run()
	redisCleanup()
	pgCleanup()
	os.Exit(code)
}

func openPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, testDSN, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := openPostgres(t)

	cp := &engine.Checkpoint{
		WorkflowID:       "pg-wf",
		CompletedTaskIDs: []string{"a"},
		Version:          1,
		Timestamp:        time.Now(),
		Context:          model.SharedContext{WorkflowID: "pg-wf", Version: 2, Data: map[string]any{"k": "v"}},
		Plan:             &model.Plan{ID: "pg-wf", Tasks: []*model.Task{{ID: "a", Role: "r"}}},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))
	cp.Version = 2
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.LoadCheckpoint(ctx, "pg-wf")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, "v", got.Context.Data["k"])

	require.NoError(t, s.DeleteCheckpoint(ctx, "pg-wf"))
	_, err = s.LoadCheckpoint(ctx, "pg-wf")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestPostgresResultsAndHistory(t *testing.T) {
	ctx := context.Background()
	s := openPostgres(t)

	res := &model.WorkflowResult{WorkflowID: "pg-res", Signature: "sig", Status: model.WorkflowCompleted,
		Success: true, FinishedAt: time.Now()}
	require.NoError(t, s.SaveResult(ctx, res))
	got, err := s.LoadResult(ctx, "pg-res")
	require.NoError(t, err)
	assert.True(t, got.Success)
	_, err = s.LoadResult(ctx, "nope")
	assert.ErrorIs(t, err, ErrResultNotFound)

	ev := evaluator.New(evaluator.DefaultConfig(), s, zap.NewNop())
	for i := 0; i < 3; i++ {
		require.NoError(t, ev.Record(ctx, &evaluator.Evaluation{
			WorkflowID: fmt.Sprintf("pg-%d", i), Signature: "pg-sig", Score: 90, SuccessRate: 1,
			Grade: evaluator.GradeExcellent, EvaluatedAt: time.Now(),
		}))
	}
	reg, err := ev.DetectRegression(ctx, &evaluator.Evaluation{WorkflowID: "pg-new", Signature: "pg-sig", Score: 40, SuccessRate: 1}, 2)
	require.NoError(t, err)
	assert.True(t, reg.Detected)
	assert.Equal(t, 2, reg.Samples)

	last, err := s.Get(ctx, "pg-2")
	require.NoError(t, err)
	assert.Equal(t, 90.0, last.Score)
}

func TestRedisCheckpoints(t *testing.T) {
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, testRedisURL, zap.NewNop())
	require.NoError(t, err)
	defer rdb.Close()

	rc := NewRedisCheckpoints(rdb, time.Minute)
	_, err = rc.LoadCheckpoint(ctx, "rd-wf")
	require.ErrorIs(t, err, engine.ErrCheckpointNotFound)

	require.NoError(t, rc.SaveCheckpoint(ctx, &engine.Checkpoint{WorkflowID: "rd-wf", Version: 3}))
	got, err := rc.LoadCheckpoint(ctx, "rd-wf")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)

	ttl, err := rdb.TTL(ctx, checkpointPrefix+"rd-wf").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, rc.DeleteCheckpoint(ctx, "rd-wf"))
	_, err = rc.LoadCheckpoint(ctx, "rd-wf")
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}
