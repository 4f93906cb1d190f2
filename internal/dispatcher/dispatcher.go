// Package dispatcher manages worker fan-out over the job queue and turns
// discovered entities into queued tasks.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/id/uuid"
)

// Runner is a worker loop. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// Config controls task defaults.
type Config struct {
	MaxRetries int
}

// Dispatcher fans out queue work to a pool of workers and enqueues tasks.
type Dispatcher struct {
	queue   crawler.Queue
	store   crawler.Store
	workers []Runner
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// BulkResult summarises a bulk enqueue.
type BulkResult struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// New creates a Dispatcher.
func New(
	queue crawler.Queue,
	store crawler.Store,
	workers []Runner,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		store:   store,
		workers: workers,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers and blocks until they stop. The first fatal worker
// error cancels the rest of the pool and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool stopped: %w", err)
	}
	return nil
}

// Enqueue submits one task, filling in defaults.
func (d *Dispatcher) Enqueue(ctx context.Context, task crawler.Task) error {
	if task.MaxRetries == 0 {
		task.MaxRetries = d.cfg.MaxRetries
	}
	if task.EnqueuedAt.IsZero() && d.clock != nil {
		task.EnqueuedAt = d.clock.Now()
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// EnqueueName submits a detail fetch for one Name. An empty jobID derives a
// stable one from the Name id so repeat submissions dedupe while pending.
func (d *Dispatcher) EnqueueName(ctx context.Context, nameID int64, jobID string) (crawler.Task, error) {
	if _, err := d.store.Names().Get(ctx, nameID); err != nil {
		return crawler.Task{}, fmt.Errorf("load name %d: %w", nameID, err)
	}
	if jobID == "" {
		jobID = uuid.TaskID(string(crawler.TaskFetchDetail), nameID)
	}
	task := crawler.Task{ID: jobID, Name: crawler.TaskFetchDetail, Arg: nameID}
	if err := d.Enqueue(ctx, task); err != nil {
		return crawler.Task{}, err
	}
	return task, nil
}

// EnqueueBulk submits every task. Duplicates are counted as skipped; any
// other error stops the batch.
func (d *Dispatcher) EnqueueBulk(ctx context.Context, tasks []crawler.Task) (BulkResult, error) {
	var result BulkResult
	for _, task := range tasks {
		err := d.Enqueue(ctx, task)
		switch {
		case err == nil:
			result.Enqueued++
		case errors.Is(err, crawler.ErrDuplicateTask):
			result.Skipped++
		default:
			return result, err
		}
	}
	d.logger.Info("bulk enqueue finished",
		zap.Int("enqueued", result.Enqueued),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// EnqueuePendingNames submits a detail fetch for every non-completed Name.
func (d *Dispatcher) EnqueuePendingNames(ctx context.Context) (BulkResult, error) {
	statuses, err := d.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return BulkResult{}, fmt.Errorf("resolve statuses: %w", err)
	}
	names, err := d.store.Names().ListIncomplete(ctx, statuses.Completed)
	if err != nil {
		return BulkResult{}, fmt.Errorf("list pending names: %w", err)
	}
	tasks := make([]crawler.Task, 0, len(names))
	for _, name := range names {
		tasks = append(tasks, crawler.Task{
			ID:   uuid.TaskID(string(crawler.TaskFetchDetail), name.ID),
			Name: crawler.TaskFetchDetail,
			Arg:  name.ID,
		})
	}
	return d.EnqueueBulk(ctx, tasks)
}

// EnqueuePendingCodes submits an unbounded walk for every non-completed
// Code. Each walk gets a fresh crawl job id so it can be cancelled.
func (d *Dispatcher) EnqueuePendingCodes(ctx context.Context, ids crawler.IDGenerator) (BulkResult, error) {
	statuses, err := d.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return BulkResult{}, fmt.Errorf("resolve statuses: %w", err)
	}
	codes, err := d.store.Codes().ListIncomplete(ctx, statuses.Completed)
	if err != nil {
		return BulkResult{}, fmt.Errorf("list pending codes: %w", err)
	}
	tasks := make([]crawler.Task, 0, len(codes))
	for _, code := range codes {
		id, err := ids.NewID()
		if err != nil {
			return BulkResult{}, fmt.Errorf("generate job id: %w", err)
		}
		tasks = append(tasks, crawler.Task{ID: id, Name: crawler.TaskWalkCode, Arg: code.ID})
	}
	return d.EnqueueBulk(ctx, tasks)
}
