// Package scheduler runs periodic registry discovery and bulk enqueueing of
// unfinished work on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/dispatcher"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
)

// Discoverer runs a Registry discovery pass. *orchestrator.Orchestrator satisfies it.
type Discoverer interface {
	Run(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunResult, error)
}

// Enqueuer queues unfinished work. *dispatcher.Dispatcher satisfies it.
type Enqueuer interface {
	EnqueuePendingCodes(ctx context.Context, ids crawler.IDGenerator) (dispatcher.BulkResult, error)
	EnqueuePendingNames(ctx context.Context) (dispatcher.BulkResult, error)
}

// Config holds the cron expressions. An empty expression disables that job.
type Config struct {
	DiscoveryCron string
	EnqueueCron   string
	// RunTimeout bounds a single triggered run.
	RunTimeout time.Duration
}

// Scheduler triggers discovery and enqueue passes on their schedules.
type Scheduler struct {
	cron       *cron.Cron
	discoverer Discoverer
	enqueuer   Enqueuer
	ids        crawler.IDGenerator
	timeout    time.Duration
	logger     *zap.Logger

	mu  sync.Mutex
	ctx context.Context
}

// New builds a Scheduler and registers its jobs. Overlapping runs of the
// same job are skipped.
func New(
	discoverer Discoverer,
	enqueuer Enqueuer,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	cronLog := cronLogger{logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		discoverer: discoverer,
		enqueuer:   enqueuer,
		ids:        ids,
		timeout:    cfg.RunTimeout,
		logger:     logger,
		ctx:        context.Background(),
	}

	if cfg.DiscoveryCron != "" {
		if _, err := s.cron.AddFunc(cfg.DiscoveryCron, s.trigger("discovery", s.Discover)); err != nil {
			return nil, fmt.Errorf("schedule discovery %q: %w", cfg.DiscoveryCron, err)
		}
	}
	if cfg.EnqueueCron != "" {
		if _, err := s.cron.AddFunc(cfg.EnqueueCron, s.trigger("enqueue", s.EnqueuePending)); err != nil {
			return nil, fmt.Errorf("schedule enqueue %q: %w", cfg.EnqueueCron, err)
		}
	}
	return s, nil
}

// Jobs reports how many schedules are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.Info("schedule registered", zap.Int("entry_id", int(entry.ID)), zap.Time("next_run", entry.Next))
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Discover runs discovery against the default Registry selection.
func (s *Scheduler) Discover(ctx context.Context) error {
	result, err := s.discoverer.Run(ctx, orchestrator.RunOptions{})
	if err != nil {
		return fmt.Errorf("scheduled discovery: %w", err)
	}
	s.logger.Info("scheduled discovery finished",
		zap.String("registry", result.Registry),
		zap.String("status", string(result.Status)),
		zap.Int("codes_created", result.CodesCreated),
	)
	return nil
}

// EnqueuePending queues a walk for every unfinished Code and a detail fetch
// for every unfinished Name.
func (s *Scheduler) EnqueuePending(ctx context.Context) error {
	codes, err := s.enqueuer.EnqueuePendingCodes(ctx, s.ids)
	if err != nil {
		return fmt.Errorf("enqueue pending codes: %w", err)
	}
	names, err := s.enqueuer.EnqueuePendingNames(ctx)
	if err != nil {
		return fmt.Errorf("enqueue pending names: %w", err)
	}
	s.logger.Info("scheduled enqueue finished",
		zap.Int("codes_enqueued", codes.Enqueued),
		zap.Int("codes_skipped", codes.Skipped),
		zap.Int("names_enqueued", names.Enqueued),
		zap.Int("names_skipped", names.Skipped),
	)
	return nil
}

func (s *Scheduler) trigger(name string, fn func(context.Context) error) func() {
	return func() {
		s.mu.Lock()
		parent := s.ctx
		s.mu.Unlock()
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error("scheduled run failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
