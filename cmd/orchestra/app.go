package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/api"
	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/config"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/lineage"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/notify"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
	"github.com/nidhogg/nuka-orchestra/internal/store"
	"github.com/nidhogg/nuka-orchestra/internal/telemetry"
	"github.com/nidhogg/nuka-orchestra/internal/worker"
)

// resultStore persists results and serves them back to the API.
type resultStore interface {
	orchestrator.ResultStore
	api.ResultLoader
}

// app is the fully wired runtime shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	queue   *queue.TaskQueue
	orch    *orchestrator.Orchestrator
	results resultStore
	metrics *telemetry.Metrics

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Persistence: PostgreSQL when configured, SQLite as the local fallback.
	var (
		pg      *store.Store
		lite    *store.SQLite
		rdb     *redis.Client
		history evaluator.HistoryStore
	)
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		ps, pgErr := store.New(ctx, dsn, logger)
		if pgErr == nil {
			pgErr = ps.Migrate(ctx)
			if pgErr != nil {
				ps.Close()
			}
		}
		if pgErr != nil {
			if cfg.Engine.CheckpointStore == config.StorePostgres {
				return fmt.Errorf("postgres: %w", pgErr)
			}
			logger.Warn("PostgreSQL unavailable, running without it", zap.Error(pgErr))
		} else {
			pg = ps
			a.onClose(ps.Close)
		}
	}
	if path := cfg.Database.SQLite.Path; path != "" && (pg == nil || cfg.Engine.CheckpointStore == config.StoreSQLite) {
		db, sqErr := store.OpenSQLite(path, logger)
		if sqErr != nil {
			return fmt.Errorf("sqlite: %w", sqErr)
		}
		lite = db
		a.onClose(func() { db.Close() })
	}
	if url := cfg.Database.Redis.URL; url != "" {
		client, rErr := store.OpenRedis(ctx, url, logger)
		if rErr != nil {
			if cfg.Engine.CheckpointStore == config.StoreRedis || cfg.Communicator.MirrorToRedis {
				return fmt.Errorf("redis: %w", rErr)
			}
			logger.Warn("Redis unavailable, running without it", zap.Error(rErr))
		} else {
			rdb = client
			a.onClose(func() { client.Close() })
		}
	}

	switch {
	case pg != nil:
		a.results, history = pg, pg
	case lite != nil:
		a.results, history = lite, lite
	default:
		a.results = newMemoryResults()
		history = evaluator.NewMemoryHistory(cfg.Evaluator.HistorySize)
	}

	var checkpoints engine.CheckpointStore
	switch cfg.Engine.CheckpointStore {
	case config.StorePostgres:
		checkpoints = pg
	case config.StoreSQLite:
		checkpoints = lite
	case config.StoreRedis:
		checkpoints = store.NewRedisCheckpoints(rdb, cfg.Engine.CheckpointTTL.Std())
	default:
		checkpoints = engine.NewMemoryCheckpoints()
	}

	var mirror comm.MessageSink
	if cfg.Communicator.MirrorToRedis {
		mirror = comm.NewRedisMirror(rdb, cfg.Communicator.StreamMaxLen, logger)
	}
	c := comm.New(cfg.CommunicatorSettings(), mirror, logger)

	a.queue = queue.New(cfg.QueueSettings(), logger)
	a.queue.Start(ctx)
	a.onClose(a.queue.Stop)

	reg := orchestrator.NewRegistry(logger)
	if err := worker.NewCatalog(logger).Bind(reg, bindings(cfg.Orchestrator.Roles)); err != nil {
		return err
	}
	if len(cfg.Orchestrator.Roles) == 0 {
		logger.Warn("no roles configured; every requirement will be unassignable")
	}

	eng := engine.New(cfg.EngineSettings(), a.queue, c, reg, checkpoints, logger)
	a.onClose(eng.Close)

	if err := a.attachSinks(ctx, eng); err != nil {
		return err
	}

	ev := evaluator.New(cfg.EvaluatorSettings(), history, logger)
	a.orch = orchestrator.New(cfg.OrchestratorSettings(), reg, eng, c, ev, a.results, logger)
	a.onClose(a.orch.Close)

	logger.Info("orchestra ready",
		zap.Int("roles", len(reg.Roles())),
		zap.String("checkpoints", cfg.Engine.CheckpointStore),
		zap.Int("workers", cfg.Queue.Workers))
	return nil
}

// attachSinks subscribes telemetry, lineage and notifications to the
// engine's event stream.
func (a *app) attachSinks(ctx context.Context, eng *engine.Engine) error {
	cfg, logger := a.cfg, a.logger

	if cfg.Telemetry.Enabled {
		m, err := telemetry.New(logger)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		if err := m.ObserveQueue(a.queue.Stats); err != nil {
			return fmt.Errorf("telemetry queue gauges: %w", err)
		}
		a.metrics = m
		a.onClose(func() { m.Shutdown(context.Background()) })
		eng.Subscribe(m)
	}

	if nc := cfg.Database.Neo4j; nc.URI != "" {
		rec, err := lineage.NewRecorder(nc.URI, nc.User, nc.Password, logger)
		if err == nil {
			if err = rec.Ping(ctx); err == nil {
				err = rec.EnsureSchema(ctx)
			}
			if err != nil {
				rec.Close(ctx)
			}
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
		} else {
			a.onClose(func() { rec.Close(context.Background()) })
			eng.Subscribe(rec)
		}
	}

	var posters []notify.Poster
	if sc := cfg.Notify.Slack; sc.Enabled {
		switch {
		case sc.WebhookURL != "":
			posters = append(posters, notify.NewSlackWebhook(sc.WebhookURL, sc.Username))
		case sc.BotToken != "" && sc.Channel != "":
			posters = append(posters, notify.NewSlackBot(sc.BotToken, sc.Channel, sc.Username))
		default:
			logger.Warn("slack notifications enabled without webhook_url or bot_token+channel")
		}
	}
	if dc := cfg.Notify.Discord; dc.Enabled {
		var (
			p   *notify.DiscordPoster
			err error
		)
		switch {
		case dc.WebhookURL != "":
			p, err = notify.NewDiscordWebhook(dc.WebhookURL, dc.Username)
		case dc.BotToken != "" && dc.ChannelID != "":
			p, err = notify.NewDiscordBot(dc.BotToken, dc.ChannelID)
		default:
			logger.Warn("discord notifications enabled without webhook_url or bot_token+channel_id")
		}
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		if p != nil {
			posters = append(posters, p)
		}
	}
	if len(posters) > 0 {
		var opts []notify.Option
		if cfg.Notify.OnlyFailures {
			opts = append(opts, notify.OnlyFailures())
		}
		n := notify.New(logger, posters, opts...)
		eng.Subscribe(n)
		logger.Info("notifications enabled", zap.Strings("platforms", n.Platforms()))
	}
	return nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func bindings(roles []config.RoleConfig) []worker.Binding {
	out := make([]worker.Binding, 0, len(roles))
	for _, r := range roles {
		out = append(out, worker.Binding{
			Role: orchestrator.Role{
				Name:         r.Name,
				Capabilities: r.Capabilities,
				Description:  r.Description,
				Priority:     r.Priority,
			},
			Handler: r.Handler,
		})
	}
	return out
}

// memoryResults keeps results for the life of the process when no database
// is configured.
type memoryResults struct {
	mu      sync.RWMutex
	results map[string]*model.WorkflowResult
}

func newMemoryResults() *memoryResults {
	return &memoryResults{results: make(map[string]*model.WorkflowResult)}
}

func (m *memoryResults) SaveResult(_ context.Context, r *model.WorkflowResult) error {
	m.mu.Lock()
	m.results[r.WorkflowID] = r
	m.mu.Unlock()
	return nil
}

func (m *memoryResults) LoadResult(_ context.Context, workflowID string) (*model.WorkflowResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[workflowID]
	if !ok {
		return nil, store.ErrResultNotFound
	}
	return r, nil
}
