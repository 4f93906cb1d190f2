package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

const registryColumns = `id, shortname, url, base_path, charset, selectors, timeout_ms, status_id`

type registryRepo struct{ q querier }

func (r registryRepo) Create(ctx context.Context, registry crawler.Registry) (crawler.Registry, error) {
	selectors, err := json.Marshal(registry.Selectors)
	if err != nil {
		return crawler.Registry{}, fmt.Errorf("marshal selectors: %w", err)
	}
	const query = `
INSERT INTO registries (shortname, url, base_path, charset, selectors, timeout_ms, status_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	err = r.q.QueryRow(ctx, query,
		registry.Shortname,
		registry.URL,
		registry.BasePath,
		registry.Charset,
		selectors,
		registry.Timeout.Milliseconds(),
		registry.StatusID,
	).Scan(&registry.ID)
	if err != nil {
		if uniqueViolation(err) {
			return crawler.Registry{}, fmt.Errorf("insert registry %q: %w", registry.Shortname, crawler.ErrDuplicateRegistry)
		}
		return crawler.Registry{}, fmt.Errorf("insert registry: %w", err)
	}
	return registry, nil
}

func (r registryRepo) Get(ctx context.Context, id int64) (crawler.Registry, error) {
	return r.one(ctx, `SELECT `+registryColumns+` FROM registries WHERE id = $1`, id)
}

func (r registryRepo) GetByShortname(ctx context.Context, shortname string) (crawler.Registry, error) {
	return r.one(ctx, `SELECT `+registryColumns+` FROM registries WHERE shortname = $1`, shortname)
}

func (r registryRepo) GetByURL(ctx context.Context, rawURL string) (crawler.Registry, error) {
	return r.one(ctx, `SELECT `+registryColumns+` FROM registries WHERE url = $1`, rawURL)
}

func (r registryRepo) FirstIncomplete(ctx context.Context, completedID int64) (crawler.Registry, error) {
	return r.one(ctx, `SELECT `+registryColumns+` FROM registries WHERE status_id <> $1 ORDER BY id LIMIT 1`, completedID)
}

func (r registryRepo) UpdateStatus(ctx context.Context, id, statusID int64) error {
	tag, err := r.q.Exec(ctx, `UPDATE registries SET status_id = $2, updated_at = now() WHERE id = $1`, id, statusID)
	if err != nil {
		return fmt.Errorf("update registry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func (r registryRepo) one(ctx context.Context, query string, arg any) (crawler.Registry, error) {
	reg, err := scanRegistry(r.q.QueryRow(ctx, query, arg))
	if err != nil {
		return crawler.Registry{}, fmt.Errorf("get registry %v: %w", arg, notFound(err))
	}
	return reg, nil
}

func scanRegistry(row pgx.Row) (crawler.Registry, error) {
	var (
		reg       crawler.Registry
		selectors []byte
		timeoutMS int64
	)
	if err := row.Scan(
		&reg.ID,
		&reg.Shortname,
		&reg.URL,
		&reg.BasePath,
		&reg.Charset,
		&selectors,
		&timeoutMS,
		&reg.StatusID,
	); err != nil {
		return crawler.Registry{}, err
	}
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &reg.Selectors); err != nil {
			return crawler.Registry{}, fmt.Errorf("decode selectors: %w", err)
		}
	}
	reg.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return reg, nil
}
