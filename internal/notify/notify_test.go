package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

type fakePoster struct {
	mu    sync.Mutex
	name  string
	texts []string
	err   error
}

func (f *fakePoster) Platform() string { return f.name }

func (f *fakePoster) Post(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

func failedEvent() engine.Event {
	return engine.Event{
		Kind:       engine.EventWorkflowFailed,
		WorkflowID: "wf-1",
		PlanName:   "report",
		Duration:   1234 * time.Millisecond,
		Result: &model.WorkflowResult{
			WorkflowID: "wf-1",
			Pattern:    model.PatternParallel,
			Tasks: []model.TaskOutcome{
				{TaskID: "a", Status: model.TaskCompleted},
				{TaskID: "b", Status: model.TaskFailed},
			},
			Errors: []model.TaskError{{TaskID: "b", Kind: model.ErrorTask, Message: "boom"}},
		},
	}
}

func TestFormat(t *testing.T) {
	got := Format(failedEvent())
	assert.Equal(t, ":x: *report* `wf-1` failed in 1.234s\n1/2 tasks completed, 1 failed (parallel)\n> [b] task: boom", got)

	ok := Format(engine.Event{Kind: engine.EventWorkflowCompleted, WorkflowID: "wf-2", Duration: time.Second})
	assert.Equal(t, ":white_check_mark: *workflow* `wf-2` completed in 1s", ok)
}

func TestFormatCapsErrors(t *testing.T) {
	ev := failedEvent()
	for i := 0; i < 7; i++ {
		ev.Result.Errors = append(ev.Result.Errors, model.TaskError{TaskID: "x", Kind: model.ErrorTask, Message: "again"})
	}
	got := Format(ev)
	assert.Equal(t, maxListedErrors, strings.Count(got, "\n> ["))
	assert.Contains(t, got, "... and 3 more")
}

func TestNotifierOnlyTerminalEvents(t *testing.T) {
	p := &fakePoster{name: "fake"}
	n := New(zap.NewNop(), []Poster{p})

	require.NoError(t, n.HandleEvent(context.Background(), engine.Event{Kind: engine.EventTaskStarted, WorkflowID: "wf-1"}))
	require.NoError(t, n.HandleEvent(context.Background(), failedEvent()))
	require.NoError(t, n.HandleEvent(context.Background(), engine.Event{Kind: engine.EventWorkflowCompleted, WorkflowID: "wf-2"}))
	assert.Len(t, p.texts, 2)
	assert.Equal(t, []string{"fake"}, n.Platforms())
}

func TestNotifierOnlyFailures(t *testing.T) {
	p := &fakePoster{name: "fake"}
	n := New(zap.NewNop(), []Poster{p}, OnlyFailures())

	require.NoError(t, n.HandleEvent(context.Background(), engine.Event{Kind: engine.EventWorkflowCompleted, WorkflowID: "wf-2"}))
	require.NoError(t, n.HandleEvent(context.Background(), failedEvent()))
	require.Len(t, p.texts, 1)
	assert.Contains(t, p.texts[0], "failed")
}

func TestNotifierJoinsPosterErrors(t *testing.T) {
	good := &fakePoster{name: "good"}
	bad := &fakePoster{name: "bad", err: errors.New("down")}
	n := New(zap.NewNop(), []Poster{bad, good})

	err := n.HandleEvent(context.Background(), failedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.texts, 1)
}

func TestSlackWebhook(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := NewSlackWebhook(srv.URL, "orchestra")
	require.NoError(t, p.Post(context.Background(), "hello"))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "orchestra", got.Username)
	assert.Equal(t, "slack", p.Platform())
}

func TestSlackWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackWebhook(srv.URL, "").Post(context.Background(), "hello")
	assert.Error(t, err)
}

func TestSlackBot(t *testing.T) {
	var channel, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		channel, text = r.FormValue("channel"), r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	p := NewSlackBot("xoxb-test", "C123", "", slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, p.Post(context.Background(), "done"))
	assert.Equal(t, "C123", channel)
	assert.Equal(t, "done", text)
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := parseWebhookURL("https://discord.com/api/webhooks/123/abc-def")
	require.NoError(t, err)
	assert.Equal(t, "123", id)
	assert.Equal(t, "abc-def", token)

	_, _, err = parseWebhookURL("https://discord.com/api/channels/123")
	assert.Error(t, err)

	_, err = NewDiscordWebhook("https://discord.com/api/webhooks/", "")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("é", 2500)
	got := truncate(long, discordLimit)
	assert.Len(t, []rune(got), discordLimit)
	assert.True(t, strings.HasSuffix(got, "…"))
}
