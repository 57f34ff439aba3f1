package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
)

var (
	runPlanFile string
	runContext  []string
	runPattern  string
)

var errWorkflowFailed = errors.New("workflow did not succeed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan file and print its report",
	Long: `Execute a plan (JSON or YAML) to completion and print the report:
result, evaluation, regression check and summary.

Initial shared context is given as --context key=value; values that parse
as JSON are decoded, everything else stays a string.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPlanFile, "file", "f", "", "plan file (.json, .yaml)")
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "initial shared context entry key=value (repeatable)")
	runCmd.Flags().StringVar(&runPattern, "pattern", "", "override the plan's execution pattern")
	runCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	plan, err := model.LoadPlan(runPlanFile)
	if err != nil {
		return err
	}
	if runPattern != "" {
		p := model.Pattern(runPattern)
		if !p.Valid() {
			return &model.ValidationError{Reason: model.ReasonBadPattern, Detail: runPattern}
		}
		plan.Pattern = p
	}
	initial, err := parseContext(runContext)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start orchestra: %w", err)
	}
	defer a.Close()

	rep, err := a.orch.Run(ctx, plan, initial)
	if err != nil {
		return fmt.Errorf("run workflow: %w", err)
	}
	return printReport(cmd.OutOrStdout(), rep)
}

// printReport writes rep as indented JSON and reports failure through the
// exit status.
func printReport(w io.Writer, rep *orchestrator.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if !rep.Result.Success {
		return fmt.Errorf("%w: %s", errWorkflowFailed, rep.Result.Status)
	}
	return nil
}

func parseContext(entries []string) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		key, raw, ok := strings.Cut(e, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("context entry %q: want key=value", e)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
