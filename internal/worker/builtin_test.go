package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
)

func TestEcho(t *testing.T) {
	out, err := echo(context.Background(), engine.TaskInput{
		Role:         "writer",
		Payload:      map[string]any{"topic": "go"},
		Dependencies: map[string]any{"b": nil, "a": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, "go", out["topic"])
	assert.Equal(t, "writer", out["role"])
	assert.Equal(t, []string{"a", "b"}, out["inputs"])
}

func TestMergeCollectsKey(t *testing.T) {
	out, err := merge(context.Background(), engine.TaskInput{
		Payload: map[string]any{"key": "text"},
		Dependencies: map[string]any{
			"second": map[string]any{"text": "world"},
			"first":  map[string]any{"text": "hello"},
			"other":  map[string]any{"n": 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "other", "second"}, out["sources"])
	assert.Equal(t, []any{"hello", "world"}, out["values"])
}

func TestDelay(t *testing.T) {
	out, err := delay(context.Background(), engine.TaskInput{Payload: map[string]any{"duration": "5ms"}})
	require.NoError(t, err)
	assert.EqualValues(t, 5, out["slept_ms"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = delay(ctx, engine.TaskInput{Payload: map[string]any{"duration": "1h"}})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = delay(context.Background(), engine.TaskInput{Payload: map[string]any{"duration": 5}})
	assert.True(t, queue.IsPermanent(err))
}

func TestFlakyAndFail(t *testing.T) {
	in := engine.TaskInput{TaskID: "x", Attempt: 1, Payload: map[string]any{"fail_times": 2.0}}
	_, err := flaky(context.Background(), in)
	assert.True(t, queue.IsRetryable(err))
	in.Attempt = 3
	out, err := flaky(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 3, out["attempts"])

	_, err = fail(context.Background(), engine.TaskInput{Payload: map[string]any{"message": "nope"}})
	assert.True(t, queue.IsPermanent(err))
	assert.EqualError(t, err, "nope")
}

func TestHandoff(t *testing.T) {
	c := comm.New(comm.Config{}, nil, zap.NewNop())
	c.RegisterRole("writer")
	c.RegisterRole("editor")

	out, err := handoff(context.Background(), engine.TaskInput{
		WorkflowID: "wf-h",
		Role:       "writer",
		Payload:    map[string]any{"to": "editor", "draft": "v1"},
		Comm:       c,
	})
	require.NoError(t, err)
	assert.Equal(t, "editor", out["handed_to"])

	msg, err := c.Receive(context.Background(), "editor", time.Second)
	require.NoError(t, err)
	assert.Equal(t, comm.MessageResultHandoff, msg.Type)
	shared := c.GetSharedContext("wf-h").Data[comm.HandoffKey].(map[string]any)
	assert.Equal(t, map[string]any{"draft": "v1"}, shared["data"])

	_, err = handoff(context.Background(), engine.TaskInput{
		WorkflowID: "wf-h", Role: "writer", Payload: map[string]any{"to": "ghost"}, Comm: c,
	})
	assert.True(t, queue.IsPermanent(err))
}

func TestCatalogBind(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	assert.Equal(t, []string{"delay", "echo", "fail", "flaky", "handoff", "merge"}, cat.Kinds())

	reg := orchestrator.NewRegistry(zap.NewNop())
	require.NoError(t, cat.Bind(reg, []Binding{
		{Role: orchestrator.Role{Name: "writer", Capabilities: []string{"write"}}, Handler: KindEcho},
	}))
	_, ok := reg.Handler("writer")
	assert.True(t, ok)
	_, ok = reg.Compensation(CompensationRevert)
	assert.True(t, ok)

	err := cat.Bind(reg, []Binding{{Role: orchestrator.Role{Name: "x"}, Handler: "nope"}})
	assert.ErrorContains(t, err, "unknown handler")
}

func TestSagaRevertThroughEngine(t *testing.T) {
	logger := zap.NewNop()
	q := queue.New(queue.Config{Workers: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
		RetryMode: queue.RetryTransient}, logger)
	q.Start(context.Background())
	defer q.Stop()

	cat := NewCatalog(logger)
	reg := orchestrator.NewRegistry(logger)
	require.NoError(t, cat.Bind(reg, []Binding{
		{Role: orchestrator.Role{Name: "booker", Capabilities: []string{"book"}}, Handler: KindEcho},
		{Role: orchestrator.Role{Name: "payer", Capabilities: []string{"pay"}}, Handler: KindFlaky},
		{Role: orchestrator.Role{Name: "shipper", Capabilities: []string{"ship"}}, Handler: KindFail},
	}))

	c := comm.New(comm.Config{}, nil, logger)
	eng := engine.New(engine.Config{}, q, c, reg, nil, logger)
	defer eng.Close()

	plan := &model.Plan{ID: "saga-1", Pattern: model.PatternSaga, Tasks: []*model.Task{
		{ID: "book", Role: "booker", Compensation: CompensationRevert},
		{ID: "pay", Role: "payer", DependsOn: []string{"book"}, MaxRetries: 2, Compensation: CompensationLog},
		{ID: "ship", Role: "shipper", DependsOn: []string{"pay"}},
	}}
	res, err := eng.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	book, _ := res.Outcome("book")
	assert.True(t, book.Compensated)
	pay, _ := res.Outcome("pay")
	assert.True(t, pay.Compensated)
	assert.Equal(t, 2, pay.Attempts)
	assert.Equal(t, map[string]any{"reverted": true}, res.Context.Data["book"])
}
