package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-orchestra/internal/model"
)

// Summarize renders a plain-text report of a result, one block per task in
// plan order.
func Summarize(result *model.WorkflowResult) string {
	if result == nil {
		return ""
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "workflow %s %s in %s: %d/%d tasks completed\n",
		result.WorkflowID, result.Status, result.Duration.Round(time.Millisecond),
		result.Count(model.TaskCompleted), len(result.Tasks))

	for i, o := range result.Tasks {
		if i > 0 {
			buf.WriteString("\n---\n")
		}
		fmt.Fprintf(&buf, "[%s] (%s) ", o.TaskID, o.Role)
		switch {
		case o.Skipped:
			buf.WriteString("skipped")
		case o.Status == model.TaskCompleted:
			buf.WriteString("completed")
			if o.Compensated {
				buf.WriteString(", compensated")
			}
			if o.Restored {
				buf.WriteString(", restored")
			}
			if out := formatOutput(o.Output); out != "" {
				buf.WriteString(": ")
				buf.WriteString(out)
			}
		case o.Status == model.TaskFailed:
			fmt.Fprintf(&buf, "failed: %s", o.Error)
		default:
			buf.WriteString(string(o.Status))
		}
	}
	return buf.String()
}

func formatOutput(out map[string]any) string {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, out[k])
	}
	return strings.Join(parts, " ")
}
