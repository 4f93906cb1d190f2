package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

type crawlJobRepo struct{ q querier }

func (r crawlJobRepo) Create(ctx context.Context, job crawler.CrawlJob) error {
	const query = `
INSERT INTO crawl_jobs (id, kind, target_id, status, cancel_requested, error_text)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.q.Exec(ctx, query,
		job.ID,
		string(job.Kind),
		job.TargetID,
		string(job.Status),
		job.CancelRequested,
		job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

func (r crawlJobRepo) Get(ctx context.Context, id string) (crawler.CrawlJob, error) {
	const query = `
SELECT id, kind, target_id, status, cancel_requested, error_text, created_at, updated_at
FROM crawl_jobs
WHERE id = $1`
	var (
		job          crawler.CrawlJob
		kind, status string
	)
	err := r.q.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&kind,
		&job.TargetID,
		&status,
		&job.CancelRequested,
		&job.ErrorText,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get crawl job %s: %w", id, notFound(err))
	}
	job.Kind = crawler.TaskName(kind)
	job.Status = crawler.CrawlJobStatus(status)
	return job, nil
}

func (r crawlJobRepo) UpdateStatus(ctx context.Context, id string, status crawler.CrawlJobStatus, errText string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE crawl_jobs SET status = $2, error_text = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errText,
	)
	if err != nil {
		return fmt.Errorf("update crawl job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update crawl job %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func (r crawlJobRepo) RequestCancel(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE crawl_jobs SET cancel_requested = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel crawl job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel crawl job %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func (r crawlJobRepo) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var canceled bool
	err := r.q.QueryRow(ctx, `SELECT cancel_requested FROM crawl_jobs WHERE id = $1`, id).Scan(&canceled)
	if err != nil {
		return false, fmt.Errorf("check crawl job %s: %w", id, notFound(err))
	}
	return canceled, nil
}
