package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/extract"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
)

// WalkOptions parameterises a pagination walk.
type WalkOptions struct {
	// CodeID selects the Code; zero picks the first non-completed one.
	CodeID int64 `json:"code_id,omitempty"`
	// MaxPages caps the number of pages fetched; zero is unbounded.
	MaxPages int `json:"max_pages,omitempty"`
	// JobID links the walk to a CrawlJob whose cancel flag is polled between pages.
	JobID string `json:"job_id,omitempty"`
}

// ParseNamesFromCode walks a Code's listing from its checkpoint, persisting
// the Names of each page and the checkpoint in one commit per page.
//
// An unbounded walk that runs out of pages completes the Code and clears
// its checkpoint. A bounded walk always leaves the Code in progress; when
// it stops on the final page the checkpoint is rewound by one so a later
// unbounded walk re-reads that page and completes. Fetch failures and
// mid-loop errors checkpoint at the last fully persisted page.
func (o *Orchestrator) ParseNamesFromCode(ctx context.Context, opts WalkOptions) (crawler.WalkResult, error) {
	statuses, err := o.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return crawler.WalkResult{}, fmt.Errorf("ensure statuses: %w", err)
	}

	code, err := o.selectCode(ctx, opts.CodeID, statuses)
	if errors.Is(err, crawler.ErrNotFound) {
		return o.walkDone(crawler.WalkResult{Status: crawler.WalkNoCode, CodeID: opts.CodeID}), nil
	}
	if err != nil {
		return crawler.WalkResult{}, err
	}
	if code.StatusID == statuses.Completed {
		return o.walkDone(crawler.WalkResult{Status: crawler.WalkAlreadyCompleted, CodeID: code.ID}), nil
	}

	registry, err := o.store.Registries().Get(ctx, code.RegistryID)
	if err != nil {
		return crawler.WalkResult{}, fmt.Errorf("load registry %d for code %d: %w", code.RegistryID, code.ID, err)
	}
	cfg := registry.Selectors.WithDefaults()

	page := 1
	if code.LastPage != nil {
		page = *code.LastPage + 1
	}
	result := crawler.WalkResult{CodeID: code.ID, StartPage: page, LastPage: code.LastPage}
	logger := o.logger.With(zap.Int64("code_id", code.ID), zap.String("url", code.URL))
	logger.Info("pagination walk started", zap.Int("page", page), zap.Int("max_pages", opts.MaxPages))

	for {
		if opts.MaxPages > 0 && result.PagesFetched >= opts.MaxPages {
			result.Status = crawler.WalkInProgress
			return o.walkDone(result), nil
		}
		canceled, err := o.cancelRequested(ctx, opts.JobID)
		if err != nil {
			return o.checkpointFailure(ctx, logger, code, page, statuses, result, err)
		}
		if canceled {
			logger.Info("pagination walk canceled", zap.Int("page", page))
			result.Status = crawler.WalkCanceled
			return o.walkDone(result), nil
		}

		pageURL, err := crawler.PageURL(code.URL, page, cfg.PageParam)
		if err != nil {
			return o.checkpointFailure(ctx, logger, code, page, statuses, result, err)
		}
		resp, err := o.fetcher.Fetch(ctx, fetchRequest(registry, pageURL))
		if err != nil {
			return o.checkpointFailure(ctx, logger, code, page, statuses, result, err)
		}
		doc, err := extract.Parse(resp.Body)
		if err != nil {
			return o.checkpointFailure(ctx, logger, code, page, statuses, result, err)
		}

		entities := extract.EntityLinks(doc, resp.URL, cfg)
		hasNext := crawler.HasPage(extract.PaginationLinks(doc, resp.URL, cfg), code.URL, page+1, cfg.PageParam)
		bounded := opts.MaxPages > 0
		finished := !hasNext && !bounded

		checkpoint := intPtr(page)
		statusID := statuses.InProgress
		switch {
		case finished:
			checkpoint, statusID = nil, statuses.Completed
		case !hasNext:
			checkpoint = checkpointBefore(page)
		}

		created := 0
		err = o.store.InTx(ctx, func(repos crawler.Repositories) error {
			for _, entity := range entities {
				ok, err := repos.Names().Create(ctx, crawler.Name{
					CodeID:   code.ID,
					Name:     entity.Text,
					URL:      entity.URL,
					StatusID: statuses.New,
				})
				if err != nil {
					return fmt.Errorf("create name %s: %w", entity.URL, err)
				}
				if ok {
					created++
				}
			}
			if err := repos.Codes().UpdateProgress(ctx, code.ID, statusID, checkpoint); err != nil {
				return fmt.Errorf("update code progress: %w", err)
			}
			if finished {
				return refreshRegistryStatus(ctx, repos, registry.ID, statuses, true)
			}
			return nil
		})
		if err != nil {
			return o.checkpointFailure(ctx, logger, code, page, statuses, result, err)
		}

		result.PagesFetched++
		result.NamesFound += len(entities)
		result.NamesCreated += created
		result.LastPage = checkpoint
		metrics.ObserveDiscovered("name", created)
		logger.Debug("page persisted",
			zap.Int("page", page),
			zap.Int("names_found", len(entities)),
			zap.Int("names_created", created),
			zap.Bool("has_next", hasNext),
		)

		if finished {
			result.Status = crawler.WalkCompleted
			return o.walkDone(result), nil
		}
		if !hasNext {
			result.Status = crawler.WalkInProgress
			return o.walkDone(result), nil
		}
		page++
	}
}

func (o *Orchestrator) selectCode(ctx context.Context, id int64, statuses crawler.StatusSet) (crawler.Code, error) {
	var (
		code crawler.Code
		err  error
	)
	if id == 0 {
		code, err = o.store.Codes().FirstIncomplete(ctx, statuses.Completed)
	} else {
		code, err = o.store.Codes().Get(ctx, id)
	}
	if err != nil {
		return crawler.Code{}, fmt.Errorf("select code %d: %w", id, err)
	}
	return code, nil
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	canceled, err := o.store.CrawlJobs().IsCancelRequested(ctx, jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cancel for job %s: %w", jobID, err)
	}
	return canceled, nil
}

// checkpointFailure records the failed walk so the next run resumes at the
// failed page. The write outlives a canceled ctx.
func (o *Orchestrator) checkpointFailure(
	ctx context.Context,
	logger *zap.Logger,
	code crawler.Code,
	page int,
	statuses crawler.StatusSet,
	result crawler.WalkResult,
	cause error,
) (crawler.WalkResult, error) {
	checkpoint := checkpointBefore(page)
	writeCtx := context.WithoutCancel(ctx)
	if err := o.store.Codes().UpdateProgress(writeCtx, code.ID, statuses.InProgress, checkpoint); err != nil {
		return crawler.WalkResult{}, fmt.Errorf("checkpoint code %d at page %d: %w (walk error: %v)", code.ID, page-1, err, cause)
	}
	logger.Warn("pagination walk paused", zap.Int("page", page), zap.Error(cause))
	result.Status = crawler.WalkFetchFailed
	result.LastPage = checkpoint
	result.Error = cause.Error()
	return o.walkDone(result), nil
}

func (o *Orchestrator) walkDone(result crawler.WalkResult) crawler.WalkResult {
	metrics.ObserveWalk(string(result.Status))
	return result
}

// checkpointBefore is the checkpoint that makes the next walk start at page.
func checkpointBefore(page int) *int {
	if page <= 1 {
		return nil
	}
	return intPtr(page - 1)
}

func intPtr(v int) *int {
	return &v
}
