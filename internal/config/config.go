package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
)

// Checkpoint store kinds.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Queue        QueueConfig        `json:"queue"`
	Communicator CommunicatorConfig `json:"communicator"`
	Engine       EngineConfig       `json:"engine"`
	Evaluator    EvaluatorConfig    `json:"evaluator"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Database     DatabaseConfig     `json:"database"`
	Notify       NotifyConfig       `json:"notify"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	// LogMode is "development" or "production".
	LogMode         string         `json:"log_mode"`
	CORSOrigins     []string       `json:"cors_origins"`
	ShutdownTimeout model.Duration `json:"shutdown_timeout"`
}

type QueueConfig struct {
	Workers       int            `json:"workers"`
	RatePerSecond float64        `json:"rate_per_second"`
	Burst         int            `json:"burst"`
	BaseBackoff   model.Duration `json:"base_backoff"`
	MaxBackoff    model.Duration `json:"max_backoff"`
	RetryMode     string         `json:"retry_mode"`
}

type CommunicatorConfig struct {
	RequestTimeout model.Duration `json:"request_timeout"`
	LockTimeout    model.Duration `json:"lock_timeout"`
	HistoryLimit   int            `json:"history_limit"`
	AuditLimit     int            `json:"audit_limit"`
	// MirrorToRedis appends every message to a per-workflow Redis stream.
	MirrorToRedis bool  `json:"mirror_to_redis"`
	StreamMaxLen  int64 `json:"stream_max_len"`
}

type EngineConfig struct {
	CheckpointEvery int            `json:"checkpoint_every"`
	TaskTimeout     model.Duration `json:"task_timeout"`
	WaitGrace       model.Duration `json:"wait_grace"`
	SinkTimeout     model.Duration `json:"sink_timeout"`
	WatchBuffer     int            `json:"watch_buffer"`
	RetainRuns      int            `json:"retain_runs"`
	// CheckpointStore is memory, sqlite, postgres or redis.
	CheckpointStore string         `json:"checkpoint_store"`
	CheckpointTTL   model.Duration `json:"checkpoint_ttl"`
}

type EvaluatorConfig struct {
	SuccessWeight     float64              `json:"success_weight"`
	EfficiencyWeight  float64              `json:"efficiency_weight"`
	TargetDuration    model.Duration       `json:"target_duration"`
	Thresholds        evaluator.Thresholds `json:"thresholds"`
	RegressionPercent float64              `json:"regression_percent"`
	BaselineCount     int                  `json:"baseline_count"`
	HistorySize       int                  `json:"history_size"`
}

type OrchestratorConfig struct {
	SmallPlanThreshold int          `json:"small_plan_threshold"`
	Roles              []RoleConfig `json:"roles"`
}

// RoleConfig binds a role in the capability table to a built-in handler.
type RoleConfig struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Handler      string   `json:"handler"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	SQLite   SQLiteConfig   `json:"sqlite"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type NotifyConfig struct {
	Slack        SlackNotifyConfig   `json:"slack"`
	Discord      DiscordNotifyConfig `json:"discord"`
	OnlyFailures bool                `json:"only_failures"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	BotToken   string `json:"bot_token"`
	Channel    string `json:"channel"`
	Username   string `json:"username"`
}

type DiscordNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	BotToken   string `json:"bot_token"`
	ChannelID  string `json:"channel_id"`
	Username   string `json:"username"`
}

type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
}

// Default returns a complete configuration with every value set.
func Default() *Config {
	q := queue.DefaultConfig()
	c := comm.DefaultConfig()
	e := engine.DefaultConfig()
	ev := evaluator.DefaultConfig()
	o := orchestrator.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            3210,
			LogLevel:        "info",
			LogMode:         "development",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: model.Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			Workers:     q.Workers,
			Burst:       q.Burst,
			BaseBackoff: model.Duration(q.BaseBackoff),
			MaxBackoff:  model.Duration(q.MaxBackoff),
			RetryMode:   string(queue.RetryTransient),
		},
		Communicator: CommunicatorConfig{
			RequestTimeout: model.Duration(c.RequestTimeout),
			LockTimeout:    model.Duration(c.LockTimeout),
			HistoryLimit:   c.HistoryLimit,
			AuditLimit:     c.AuditLimit,
			StreamMaxLen:   10000,
		},
		Engine: EngineConfig{
			CheckpointEvery: e.CheckpointEvery,
			TaskTimeout:     model.Duration(e.TaskTimeout),
			WaitGrace:       model.Duration(e.WaitGrace),
			SinkTimeout:     model.Duration(e.SinkTimeout),
			WatchBuffer:     e.WatchBuffer,
			RetainRuns:      e.RetainRuns,
			CheckpointStore: StoreMemory,
			CheckpointTTL:   model.Duration(7 * 24 * time.Hour),
		},
		Evaluator: EvaluatorConfig{
			SuccessWeight:     ev.SuccessWeight,
			EfficiencyWeight:  ev.EfficiencyWeight,
			TargetDuration:    model.Duration(ev.TargetDuration),
			Thresholds:        ev.Thresholds,
			RegressionPercent: ev.RegressionPercent,
			BaselineCount:     ev.BaselineCount,
			HistorySize:       1000,
		},
		Orchestrator: OrchestratorConfig{
			SmallPlanThreshold: o.SmallPlanThreshold,
		},
		Database: DatabaseConfig{
			SQLite: SQLiteConfig{Path: "data/orchestra.db"},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over Default and substitutes environment
// variable references. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}
	if c.Queue.RatePerSecond < 0 {
		errs = append(errs, errors.New("queue.rate_per_second must not be negative"))
	}
	switch queue.RetryMode(c.Queue.RetryMode) {
	case queue.RetryAll, queue.RetryTransient:
	default:
		errs = append(errs, fmt.Errorf("queue.retry_mode %q must be all or transient", c.Queue.RetryMode))
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		errs = append(errs, errors.New("queue.max_backoff must be >= base_backoff"))
	}
	if c.Engine.CheckpointEvery <= 0 {
		errs = append(errs, errors.New("engine.checkpoint_every must be positive"))
	}
	switch c.Engine.CheckpointStore {
	case StoreMemory:
	case StoreSQLite:
		if c.Database.SQLite.Path == "" {
			errs = append(errs, errors.New("engine.checkpoint_store sqlite needs database.sqlite.path"))
		}
	case StorePostgres:
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("engine.checkpoint_store postgres needs database.postgres.dsn"))
		}
	case StoreRedis:
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("engine.checkpoint_store redis needs database.redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.checkpoint_store %q is not one of memory, sqlite, postgres, redis", c.Engine.CheckpointStore))
	}
	if c.Communicator.MirrorToRedis && c.Database.Redis.URL == "" {
		errs = append(errs, errors.New("communicator.mirror_to_redis needs database.redis.url"))
	}
	if err := c.EvaluatorSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Orchestrator.SmallPlanThreshold < 0 {
		errs = append(errs, errors.New("orchestrator.small_plan_threshold must not be negative"))
	}
	seen := make(map[string]bool)
	for i, r := range c.Orchestrator.Roles {
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("orchestrator.roles[%d]: empty name", i))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("orchestrator.roles[%d]: duplicate role %s", i, r.Name))
		case r.Handler == "":
			errs = append(errs, fmt.Errorf("orchestrator.roles[%d]: role %s has no handler", i, r.Name))
		}
		seen[r.Name] = true
	}
	return errors.Join(errs...)
}

// QueueSettings converts the queue section.
func (c *Config) QueueSettings() queue.Config {
	return queue.Config{
		Workers:       c.Queue.Workers,
		RatePerSecond: c.Queue.RatePerSecond,
		Burst:         c.Queue.Burst,
		BaseBackoff:   c.Queue.BaseBackoff.Std(),
		MaxBackoff:    c.Queue.MaxBackoff.Std(),
		RetryMode:     queue.RetryMode(c.Queue.RetryMode),
	}
}

func (c *Config) CommunicatorSettings() comm.Config {
	return comm.Config{
		RequestTimeout: c.Communicator.RequestTimeout.Std(),
		LockTimeout:    c.Communicator.LockTimeout.Std(),
		HistoryLimit:   c.Communicator.HistoryLimit,
		AuditLimit:     c.Communicator.AuditLimit,
	}
}

func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		CheckpointEvery: c.Engine.CheckpointEvery,
		TaskTimeout:     c.Engine.TaskTimeout.Std(),
		WaitGrace:       c.Engine.WaitGrace.Std(),
		SinkTimeout:     c.Engine.SinkTimeout.Std(),
		WatchBuffer:     c.Engine.WatchBuffer,
		RetainRuns:      c.Engine.RetainRuns,
	}
}

func (c *Config) EvaluatorSettings() evaluator.Config {
	return evaluator.Config{
		SuccessWeight:     c.Evaluator.SuccessWeight,
		EfficiencyWeight:  c.Evaluator.EfficiencyWeight,
		TargetDuration:    c.Evaluator.TargetDuration.Std(),
		Thresholds:        c.Evaluator.Thresholds,
		RegressionPercent: c.Evaluator.RegressionPercent,
		BaselineCount:     c.Evaluator.BaselineCount,
	}
}

func (c *Config) OrchestratorSettings() orchestrator.Config {
	return orchestrator.Config{
		SmallPlanThreshold: c.Orchestrator.SmallPlanThreshold,
		BaselineCount:      c.Evaluator.BaselineCount,
	}
}
