package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

const codeColumns = `id, code, url, registry_id, status_id, last_page`

type codeRepo struct{ q querier }

func (r codeRepo) Create(ctx context.Context, code crawler.Code) (bool, error) {
	const query = `
INSERT INTO codes (code, url, registry_id, status_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO NOTHING`
	tag, err := r.q.Exec(ctx, query, code.Code, code.URL, code.RegistryID, code.StatusID)
	if err != nil {
		if foreignKeyViolation(err) {
			return false, fmt.Errorf("insert code %s: registry %d: %w", code.URL, code.RegistryID, crawler.ErrNotFound)
		}
		return false, fmt.Errorf("insert code %s: %w", code.URL, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r codeRepo) Get(ctx context.Context, id int64) (crawler.Code, error) {
	code, err := scanCode(r.q.QueryRow(ctx, `SELECT `+codeColumns+` FROM codes WHERE id = $1`, id))
	if err != nil {
		return crawler.Code{}, fmt.Errorf("get code %d: %w", id, notFound(err))
	}
	return code, nil
}

func (r codeRepo) FirstIncomplete(ctx context.Context, completedID int64) (crawler.Code, error) {
	code, err := scanCode(r.q.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM codes WHERE status_id <> $1 ORDER BY id LIMIT 1`, completedID))
	if err != nil {
		return crawler.Code{}, fmt.Errorf("first incomplete code: %w", notFound(err))
	}
	return code, nil
}

func (r codeRepo) ListIncomplete(ctx context.Context, completedID int64) ([]crawler.Code, error) {
	rows, err := r.q.Query(ctx, `SELECT `+codeColumns+` FROM codes WHERE status_id <> $1 ORDER BY id`, completedID)
	if err != nil {
		return nil, fmt.Errorf("list incomplete codes: %w", err)
	}
	defer rows.Close()

	var out []crawler.Code
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incomplete codes: %w", err)
	}
	return out, nil
}

func (r codeRepo) CountIncomplete(ctx context.Context, registryID, completedID int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT count(*) FROM codes WHERE registry_id = $1 AND status_id <> $2`, registryID, completedID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incomplete codes: %w", err)
	}
	return n, nil
}

func (r codeRepo) UpdateProgress(ctx context.Context, id, statusID int64, lastPage *int) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE codes SET status_id = $2, last_page = $3, updated_at = now() WHERE id = $1`,
		id, statusID, lastPage,
	)
	if err != nil {
		return fmt.Errorf("update code %d progress: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update code %d progress: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func scanCode(row pgx.Row) (crawler.Code, error) {
	var code crawler.Code
	err := row.Scan(&code.ID, &code.Code, &code.URL, &code.RegistryID, &code.StatusID, &code.LastPage)
	return code, err
}
