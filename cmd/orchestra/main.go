package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Multi-agent task orchestration",
	Long: `orchestra decomposes work into role-assigned tasks, runs them on a
prioritized worker pool under a chosen execution pattern (sequential,
parallel, conditional, saga, checkpointed) and scores every run.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or configs/orchestra.json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag, CONFIG_PATH, or the
// default location when it exists.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("configs/orchestra.json"); err == nil {
			path = "configs/orchestra.json"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(sc config.ServerConfig) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if sc.LogMode == "production" {
		zcfg = zap.NewProductionConfig()
	}
	if sc.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(sc.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
