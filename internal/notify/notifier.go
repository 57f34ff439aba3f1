package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// maxListedErrors caps how many task errors a notification spells out.
const maxListedErrors = 5

// Poster delivers a rendered notification to one chat platform.
type Poster interface {
	Platform() string
	Post(ctx context.Context, text string) error
}

// Notifier is an engine.EventSink that announces finished workflows.
type Notifier struct {
	posters    []Poster
	onlyFailed bool
	logger     *zap.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// OnlyFailures suppresses notifications for successful workflows.
func OnlyFailures() Option {
	return func(n *Notifier) { n.onlyFailed = true }
}

// New creates a Notifier that fans out to every poster.
func New(logger *zap.Logger, posters []Poster, opts ...Option) *Notifier {
	n := &Notifier{posters: posters, logger: logger}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Platforms lists the configured poster platforms.
func (n *Notifier) Platforms() []string {
	out := make([]string, 0, len(n.posters))
	for _, p := range n.posters {
		out = append(out, p.Platform())
	}
	return out
}

func (n *Notifier) HandleEvent(ctx context.Context, ev engine.Event) error {
	if !ev.Kind.Terminal() || len(n.posters) == 0 {
		return nil
	}
	if n.onlyFailed && ev.Kind == engine.EventWorkflowCompleted {
		return nil
	}

	text := Format(ev)
	var errs []error
	for _, p := range n.posters {
		if err := p.Post(ctx, text); err != nil {
			n.logger.Warn("notification failed",
				zap.String("platform", p.Platform()),
				zap.String("workflow", ev.WorkflowID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// Format renders a terminal workflow event as chat text.
func Format(ev engine.Event) string {
	var sb strings.Builder

	icon, verb := ":white_check_mark:", "completed"
	if ev.Kind == engine.EventWorkflowFailed {
		icon, verb = ":x:", "failed"
	}
	name := ev.PlanName
	if name == "" {
		name = "workflow"
	}
	fmt.Fprintf(&sb, "%s *%s* `%s` %s in %s", icon, name, ev.WorkflowID, verb, ev.Duration.Round(time.Millisecond))

	res := ev.Result
	if res == nil {
		if ev.Error != "" {
			fmt.Fprintf(&sb, "\n> %s", ev.Error)
		}
		return sb.String()
	}

	fmt.Fprintf(&sb, "\n%d/%d tasks completed", res.Count(model.TaskCompleted), len(res.Tasks))
	if n := res.Count(model.TaskFailed); n > 0 {
		fmt.Fprintf(&sb, ", %d failed", n)
	}
	if res.Pattern != "" {
		fmt.Fprintf(&sb, " (%s)", res.Pattern)
	}

	for i, e := range res.Errors {
		if i == maxListedErrors {
			fmt.Fprintf(&sb, "\n> ... and %d more", len(res.Errors)-maxListedErrors)
			break
		}
		fmt.Fprintf(&sb, "\n> [%s] %s: %s", e.TaskID, e.Kind, e.Message)
	}
	return sb.String()
}
