package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

const nameColumns = `id, code_id, name, url, status_id`

type nameRepo struct{ q querier }

func (r nameRepo) Create(ctx context.Context, name crawler.Name) (bool, error) {
	const query = `
INSERT INTO names (code_id, name, url, status_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO NOTHING`
	tag, err := r.q.Exec(ctx, query, name.CodeID, name.Name, name.URL, name.StatusID)
	if err != nil {
		if foreignKeyViolation(err) {
			return false, fmt.Errorf("insert name %s: code %d: %w", name.URL, name.CodeID, crawler.ErrNotFound)
		}
		return false, fmt.Errorf("insert name %s: %w", name.URL, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r nameRepo) Get(ctx context.Context, id int64) (crawler.Name, error) {
	name, err := scanName(r.q.QueryRow(ctx, `SELECT `+nameColumns+` FROM names WHERE id = $1`, id))
	if err != nil {
		return crawler.Name{}, fmt.Errorf("get name %d: %w", id, notFound(err))
	}
	return name, nil
}

func (r nameRepo) ListIncomplete(ctx context.Context, completedID int64) ([]crawler.Name, error) {
	rows, err := r.q.Query(ctx, `SELECT `+nameColumns+` FROM names WHERE status_id <> $1 ORDER BY id`, completedID)
	if err != nil {
		return nil, fmt.Errorf("list incomplete names: %w", err)
	}
	defer rows.Close()

	var out []crawler.Name
	for rows.Next() {
		name, err := scanName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incomplete names: %w", err)
	}
	return out, nil
}

func (r nameRepo) UpdateStatus(ctx context.Context, id, statusID int64) error {
	tag, err := r.q.Exec(ctx, `UPDATE names SET status_id = $2, updated_at = now() WHERE id = $1`, id, statusID)
	if err != nil {
		return fmt.Errorf("update name %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update name %d status: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func scanName(row pgx.Row) (crawler.Name, error) {
	var name crawler.Name
	err := row.Scan(&name.ID, &name.CodeID, &name.Name, &name.URL, &name.StatusID)
	return name, err
}
