// Package worker implements the job execution loop: it consumes tasks from
// the queue, runs the matching orchestrator step and classifies failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
	"github.com/JakeFAU/registry-crawler/internal/notify"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
)

const (
	defaultJobTimeout     = 2 * time.Minute
	defaultDequeueBackoff = 100 * time.Millisecond
	maxDequeueBackoff     = 10 * time.Second
	notifyCategory        = "worker"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the worker drives.
type Orchestrator interface {
	FetchDetail(ctx context.Context, nameID, completedStatusID int64) (crawler.DetailResult, error)
	ParseNamesFromCode(ctx context.Context, opts orchestrator.WalkOptions) (crawler.WalkResult, error)
}

// Config controls Worker behavior.
type Config struct {
	// Name identifies the worker in logs and notifications.
	Name string
	// JobTimeout bounds a single task. Exceeding it is fatal unless the task
	// already failed with a recognised transient condition.
	JobTimeout time.Duration
	// MaxRetries applies to tasks that do not carry their own limit.
	MaxRetries int
	// DequeueBackoff is the first pause after a failed dequeue. Consecutive
	// failures double it up to DequeueBackoffMax.
	DequeueBackoff    time.Duration
	DequeueBackoffMax time.Duration
}

// Worker consumes tasks and executes the orchestrator's detail and walk steps.
type Worker struct {
	queue    crawler.Queue
	store    crawler.Store
	orch     Orchestrator
	notifier crawler.Notifier
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	statuses  crawler.StatusSet
	completed atomic.Int64
	backoff   *crawler.ExponentialRetryPolicy
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	store crawler.Store,
	orch Orchestrator,
	notifier crawler.Notifier,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.DequeueBackoff <= 0 {
		cfg.DequeueBackoff = defaultDequeueBackoff
	}
	if cfg.DequeueBackoffMax < cfg.DequeueBackoff {
		cfg.DequeueBackoffMax = max(maxDequeueBackoff, cfg.DequeueBackoff)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		store:    store,
		orch:     orch,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker", cfg.Name)),
		backoff:  crawler.NewExponentialRetryPolicy(0, cfg.DequeueBackoff, cfg.DequeueBackoffMax),
	}
}

// Completed returns the number of tasks this worker finished successfully.
func (w *Worker) Completed() int64 {
	return w.completed.Load()
}

// Startup resets the counter and resolves the status ids once for the
// lifetime of the worker.
func (w *Worker) Startup(ctx context.Context) error {
	statuses, err := w.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return fmt.Errorf("resolve statuses: %w", err)
	}
	w.statuses = statuses
	w.completed.Store(0)
	w.logger.Info("worker started", zap.Int64("completed_status_id", statuses.Completed))
	return nil
}

// Shutdown reports the final completed-task count.
func (w *Worker) Shutdown(ctx context.Context) {
	body := fmt.Sprintf("%s stopped after %d completed task(s)", w.cfg.Name, w.Completed())
	w.logger.Info("worker stopped", zap.Int64("completed", w.Completed()))
	w.notifier.Notify(context.WithoutCancel(ctx), notify.Info(notifyCategory, body))
}

// Run blocks, consuming tasks until the context finishes or the queue is
// closed. A fatal task failure stops the loop and is returned.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Startup(ctx); err != nil {
		return err
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	failures := 0
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				w.Shutdown(ctx)
				return nil
			}
			delay := w.backoff.Backoff(failures)
			failures++
			w.logger.Error("queue dequeue failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				w.Shutdown(ctx)
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		w.logger.Debug("dequeued task",
			zap.String("task_id", task.ID),
			zap.String("task", string(task.Name)),
			zap.Int64("arg", task.Arg),
		)
		if err := w.Process(ctx, task); err != nil {
			if ctx.Err() != nil {
				w.Shutdown(ctx)
				return nil
			}
			return err
		}
	}
}

// Process runs one task and classifies its outcome. It returns an error only
// for fatal failures; transient and permanent failures are absorbed.
func (w *Worker) Process(ctx context.Context, task crawler.Task) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	err := w.handle(jobCtx, task)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	if releaseErr := w.queue.Complete(context.WithoutCancel(ctx), task); releaseErr != nil {
		w.logger.Warn("release task failed", zap.String("task_id", task.ID), zap.Error(releaseErr))
	}

	switch {
	case err == nil:
		w.completed.Add(1)
		metrics.ObserveJob("succeeded")
		return nil
	case ctx.Err() != nil:
		// Shutting down: hand the task back untouched.
		w.requeue(ctx, task)
		return ctx.Err()
	case IsTransient(err):
		metrics.ObserveJob("transient")
		w.logger.Warn("transient task failure", zap.String("task", string(task.Name)), zap.Int64("arg", task.Arg), zap.Error(err))
		w.notifier.Notify(ctx, notify.Warn(notifyCategory,
			fmt.Sprintf("%s %d skipped: %v", task.Name, task.Arg, err)))
		return nil
	case IsPermanent(err):
		metrics.ObserveJob("permanent")
		w.logger.Error("permanent task failure", zap.String("task", string(task.Name)), zap.Int64("arg", task.Arg), zap.Error(err))
		return nil
	case timedOut:
		err = fmt.Errorf("task exceeded %s: %w", w.cfg.JobTimeout, err)
	}

	metrics.ObserveJob("fatal")
	w.retry(ctx, task)
	w.logger.Error("fatal task failure",
		zap.String("task", string(task.Name)),
		zap.Int64("arg", task.Arg),
		zap.Int64("completed", w.Completed()),
		zap.Error(err),
	)
	w.notifier.Notify(ctx, notify.Error(notifyCategory,
		fmt.Sprintf("%s stopping after %d completed task(s): %s %d failed: %v",
			w.cfg.Name, w.Completed(), task.Name, task.Arg, err)))
	return fmt.Errorf("%s %d: %w", task.Name, task.Arg, err)
}

func (w *Worker) handle(ctx context.Context, task crawler.Task) error {
	switch task.Name {
	case crawler.TaskFetchDetail:
		return w.fetchDetail(ctx, task)
	case crawler.TaskWalkCode:
		return w.walkCode(ctx, task)
	default:
		return fmt.Errorf("%w: %q", crawler.ErrUnknownTask, task.Name)
	}
}

func (w *Worker) fetchDetail(ctx context.Context, task crawler.Task) error {
	result, err := w.orch.FetchDetail(ctx, task.Arg, w.statuses.Completed)
	if err != nil {
		return err
	}
	w.logger.Debug("detail stored",
		zap.Int64("name_id", result.NameID),
		zap.Int64("rawdata_id", result.RawdataID),
		zap.Int("fields", result.Fields),
	)
	return nil
}

// walkCode runs an unbounded walk. A task ID doubles as the crawl job record
// used for progress and cancellation.
func (w *Worker) walkCode(ctx context.Context, task crawler.Task) error {
	if task.ID != "" {
		if err := w.startCrawlJob(ctx, task); err != nil {
			return err
		}
	}

	result, err := w.orch.ParseNamesFromCode(ctx, orchestrator.WalkOptions{CodeID: task.Arg, JobID: task.ID})
	if err != nil {
		w.finishCrawlJob(ctx, task, crawler.CrawlJobFailed, err.Error())
		return err
	}

	switch result.Status {
	case crawler.WalkCanceled:
		w.finishCrawlJob(ctx, task, crawler.CrawlJobCanceled, "")
	case crawler.WalkFetchFailed:
		w.finishCrawlJob(ctx, task, crawler.CrawlJobFailed, result.Error)
		w.notifier.Notify(ctx, notify.Warn("walk",
			fmt.Sprintf("code %d paused after %d page(s): %s", result.CodeID, result.PagesFetched, result.Error)))
	case crawler.WalkNoCode:
		w.finishCrawlJob(ctx, task, crawler.CrawlJobFailed, "code not found")
		return fmt.Errorf("walk code %d: %w", task.Arg, crawler.ErrNotFound)
	default:
		w.finishCrawlJob(ctx, task, crawler.CrawlJobSucceeded, "")
	}
	w.logger.Info("walk finished",
		zap.Int64("code_id", result.CodeID),
		zap.String("status", string(result.Status)),
		zap.Int("pages", result.PagesFetched),
		zap.Int("names_created", result.NamesCreated),
	)
	return nil
}

func (w *Worker) startCrawlJob(ctx context.Context, task crawler.Task) error {
	jobs := w.store.CrawlJobs()
	err := jobs.UpdateStatus(ctx, task.ID, crawler.CrawlJobRunning, "")
	if !errors.Is(err, crawler.ErrNotFound) {
		return err
	}
	now := w.clock.Now()
	return jobs.Create(ctx, crawler.CrawlJob{
		ID:        task.ID,
		Kind:      task.Name,
		TargetID:  task.Arg,
		Status:    crawler.CrawlJobRunning,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (w *Worker) finishCrawlJob(ctx context.Context, task crawler.Task, status crawler.CrawlJobStatus, errText string) {
	if task.ID == "" {
		return
	}
	if err := w.store.CrawlJobs().UpdateStatus(context.WithoutCancel(ctx), task.ID, status, errText); err != nil {
		w.logger.Error("update crawl job failed", zap.String("job_id", task.ID), zap.Error(err))
	}
}

// retry puts a fatally failed task back with its attempt bumped while it
// is under its retry limit.
func (w *Worker) retry(ctx context.Context, task crawler.Task) {
	limit := task.MaxRetries
	if limit <= 0 {
		limit = w.cfg.MaxRetries
	}
	if task.Attempt >= limit {
		return
	}
	task.Attempt++
	metrics.ObserveJob("requeued")
	w.requeue(ctx, task)
}

func (w *Worker) requeue(ctx context.Context, task crawler.Task) {
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		w.logger.Error("requeue task failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
	}
}

// IsTransient recognises per-record upstream conditions the worker skips
// over: the upstream being unavailable or throttling after retries, network
// failures, and a missing record upstream.
func IsTransient(err error) bool {
	fe, ok := crawler.AsFetchError(err)
	if !ok {
		return false
	}
	return fe.Transient() || fe.NotFound() || fe.Unavailable()
}

// IsPermanent reports failures that doom the task but leave the worker
// healthy: a missing row or an unroutable task.
func IsPermanent(err error) bool {
	return errors.Is(err, crawler.ErrNotFound) || errors.Is(err, crawler.ErrUnknownTask)
}
