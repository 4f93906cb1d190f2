package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

type statusRepo struct{ q querier }

func (r statusRepo) EnsureDefaults(ctx context.Context) (crawler.StatusSet, error) {
	const insert = `INSERT INTO statuses (label) VALUES ($1), ($2), ($3) ON CONFLICT (label) DO NOTHING`
	if _, err := r.q.Exec(ctx, insert,
		string(crawler.StatusNew),
		string(crawler.StatusInProgress),
		string(crawler.StatusCompleted),
	); err != nil {
		return crawler.StatusSet{}, fmt.Errorf("insert default statuses: %w", err)
	}

	all, err := r.List(ctx)
	if err != nil {
		return crawler.StatusSet{}, err
	}
	var set crawler.StatusSet
	for _, s := range all {
		switch s.Label {
		case crawler.StatusNew:
			set.New = s.ID
		case crawler.StatusInProgress:
			set.InProgress = s.ID
		case crawler.StatusCompleted:
			set.Completed = s.ID
		}
	}
	if set.New == 0 || set.InProgress == 0 || set.Completed == 0 {
		return crawler.StatusSet{}, fmt.Errorf("default statuses missing after insert: %+v", set)
	}
	return set, nil
}

func (r statusRepo) List(ctx context.Context) ([]crawler.Status, error) {
	rows, err := r.q.Query(ctx, `SELECT id, label FROM statuses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []crawler.Status
	for rows.Next() {
		var (
			s     crawler.Status
			label string
		)
		if err := rows.Scan(&s.ID, &label); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		s.Label = crawler.StatusLabel(label)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	return out, nil
}
