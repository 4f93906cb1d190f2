// Package server builds the application's dependencies from configuration
// and runs the long-lived processes: the HTTP API, the worker pool and the
// scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/registry-crawler/internal/api"
	"github.com/JakeFAU/registry-crawler/internal/clock/system"
	"github.com/JakeFAU/registry-crawler/internal/config"
	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/registry-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/registry-crawler/internal/id/uuid"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
	"github.com/JakeFAU/registry-crawler/internal/notify"
	pubsubnotify "github.com/JakeFAU/registry-crawler/internal/notify/pubsub"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
	"github.com/JakeFAU/registry-crawler/internal/policy/ratelimit"
	queuememory "github.com/JakeFAU/registry-crawler/internal/queue/memory"
	queueredis "github.com/JakeFAU/registry-crawler/internal/queue/redis"
	"github.com/JakeFAU/registry-crawler/internal/scheduler"
	"github.com/JakeFAU/registry-crawler/internal/storage/memory"
	"github.com/JakeFAU/registry-crawler/internal/storage/postgres"
	"github.com/JakeFAU/registry-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	store       crawler.Store
	queue       crawler.Queue
	closeQueue  func()
	redisClient *goredis.Client
	pubsub      *pubsubnotify.Notifier
	notifier    crawler.Notifier

	orch      *orchestrator.Orchestrator
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	workers   []*worker.Worker
}

// Build creates the application's dependencies. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.NewUUIDGenerator(),
	}
	logger.Info("building application dependencies",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	if err := app.setupStore(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupQueue(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupNotifier(ctx); err != nil {
		app.Close()
		return nil, err
	}
	app.setupPipeline()
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
		if a.cfg.DB.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("postgres schema applied")
		}
	default:
		a.logger.Warn("using in-memory store; state is lost on exit")
		a.store = memory.NewStore()
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case config.DriverRedis:
		redisCfg := queueredis.Config{
			Addr:         a.cfg.Queue.RedisAddr,
			Password:     a.cfg.Queue.RedisPassword,
			DB:           a.cfg.Queue.RedisDB,
			Prefix:       a.cfg.Queue.Prefix,
			DedupeTTL:    time.Duration(a.cfg.Queue.DedupeTTLSeconds) * time.Second,
			BlockTimeout: time.Duration(a.cfg.Queue.BlockTimeoutMs) * time.Millisecond,
		}
		client, err := queueredis.NewClient(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.redisClient = client
		q, err := queueredis.New(client, redisCfg)
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue, a.closeQueue = q, q.Close
		a.logger.Info("redis queue initialized",
			zap.String("addr", redisCfg.Addr),
			zap.String("prefix", redisCfg.Prefix),
		)
	default:
		q := queuememory.NewQueue(a.cfg.Crawler.QueueDepth)
		a.queue, a.closeQueue = q, q.Close
		a.logger.Info("in-memory queue initialized", zap.Int("depth", a.cfg.Crawler.QueueDepth))
	}
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	var sinks notify.Multi
	if a.cfg.Notify.LogEnabled {
		sinks = append(sinks, notify.NewLog(a.logger))
	}
	if a.cfg.Notify.ProjectID != "" && a.cfg.Notify.TopicID != "" {
		n, err := pubsubnotify.New(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.TopicID, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		a.pubsub = n
		sinks = append(sinks, n)
		a.logger.Info("pubsub notifier initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.TopicID),
		)
	}
	if len(sinks) == 0 {
		a.notifier = notify.Nop{}
		return nil
	}
	a.notifier = sinks
	return nil
}

func (a *App) setupPipeline() {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		RetryPolicy:   a.cfg.RetryPolicy(),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Crawler.RequestsPerSecond,
			DefaultBurst: a.cfg.Crawler.Burst,
		}),
		Logger: a.logger.Named("fetcher"),
	})
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Crawler.UserAgent),
		zap.Float64("requests_per_second", a.cfg.Crawler.RequestsPerSecond),
	)

	a.orch = orchestrator.New(a.store, fetcher, orchestrator.Config{
		DefaultRegistry: a.cfg.DefaultRegistry(),
		Logger:          a.logger.Named("orchestrator"),
	})

	workerCfg := worker.Config{
		JobTimeout: a.cfg.JobTimeout(),
		MaxRetries: a.cfg.Crawler.JobMaxRetries,
	}
	runners := make([]dispatcher.Runner, 0, a.cfg.Crawler.Concurrency)
	for i := 0; i < a.cfg.Crawler.Concurrency; i++ {
		cfg := workerCfg
		cfg.Name = fmt.Sprintf("worker-%d", i)
		w := worker.New(a.queue, a.store, a.orch, a.notifier, a.clock, cfg,
			a.logger.Named("worker").With(zap.Int("index", i)))
		a.workers = append(a.workers, w)
		runners = append(runners, w)
	}
	a.dispatch = dispatcher.New(a.queue, a.store, runners, a.clock,
		dispatcher.Config{MaxRetries: a.cfg.Crawler.JobMaxRetries}, a.logger.Named("dispatcher"))

	a.apiServer = api.NewServer(a.store, a.orch, a.dispatch, a.ids, a.clock, a.cfg, api.Options{}, a.logger)
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API, the worker pool and, when enabled, the scheduler
// until ctx is done or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	var sched *scheduler.Scheduler
	if a.cfg.Scheduler.Enabled {
		var err error
		if sched, err = a.Scheduler(); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return a.RunWorkers(gctx)
	})
	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}
	return g.Wait()
}

// RunWorkers blocks while the worker pool consumes the queue.
func (a *App) RunWorkers(ctx context.Context) error {
	a.logger.Info("dispatcher started", zap.Int("workers", len(a.workers)))
	return a.dispatch.Run(ctx)
}

// Scheduler builds the cron scheduler from the scheduler section.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(a.orch, a.dispatch, a.ids, scheduler.Config{
		DiscoveryCron: a.cfg.Scheduler.DiscoveryCron,
		EnqueueCron:   a.cfg.Scheduler.EnqueueCron,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	return sched, nil
}

// Discover runs one Registry discovery pass.
func (a *App) Discover(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunResult, error) {
	return a.orch.Run(ctx, opts)
}

// CreateRegistry validates and persists a new Registry definition.
func (a *App) CreateRegistry(ctx context.Context, registry crawler.Registry) (crawler.Registry, error) {
	return a.orch.CreateRegistry(ctx, registry)
}

// Walk runs one pagination walk in the foreground.
func (a *App) Walk(ctx context.Context, opts orchestrator.WalkOptions) (crawler.WalkResult, error) {
	return a.orch.ParseNamesFromCode(ctx, opts)
}

// EnqueueName queues a detail fetch for one Name.
func (a *App) EnqueueName(ctx context.Context, nameID int64, jobID string) (crawler.Task, error) {
	return a.dispatch.EnqueueName(ctx, nameID, jobID)
}

// EnqueuePending queues walks for unfinished Codes and detail fetches for
// unfinished Names.
func (a *App) EnqueuePending(ctx context.Context) (codes, names dispatcher.BulkResult, err error) {
	codes, err = a.dispatch.EnqueuePendingCodes(ctx, a.ids)
	if err != nil {
		return codes, names, err
	}
	names, err = a.dispatch.EnqueuePendingNames(ctx)
	return codes, names, err
}

// Migrate applies the schema and seeds the required statuses.
func (a *App) Migrate(ctx context.Context) (crawler.StatusSet, error) {
	if pg, ok := a.store.(*postgres.Store); ok {
		if err := pg.Migrate(ctx); err != nil {
			return crawler.StatusSet{}, err
		}
	}
	statuses, err := a.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return crawler.StatusSet{}, fmt.Errorf("ensure statuses: %w", err)
	}
	return statuses, nil
}

// Store exposes the relational store.
func (a *App) Store() crawler.Store {
	return a.store
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	if a.closeQueue != nil {
		a.closeQueue()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub notifier close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("shutdown complete")
}
