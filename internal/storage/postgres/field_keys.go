package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

type fieldKeyRepo struct{ q querier }

// GetOrCreate relies on the unique full_name: the first insert fixes
// short_name, every later sighting only bumps frequency.
func (r fieldKeyRepo) GetOrCreate(ctx context.Context, shortName, fullName string) (crawler.FieldKey, error) {
	const query = `
INSERT INTO field_keys (short_name, full_name, frequency)
VALUES ($1, $2, 1)
ON CONFLICT (full_name) DO UPDATE SET frequency = field_keys.frequency + 1
RETURNING id, short_name, full_name, frequency`
	var key crawler.FieldKey
	err := r.q.QueryRow(ctx, query, shortName, fullName).Scan(&key.ID, &key.ShortName, &key.FullName, &key.Frequency)
	if err != nil {
		return crawler.FieldKey{}, fmt.Errorf("upsert field key: %w", err)
	}
	return key, nil
}

func (r fieldKeyRepo) List(ctx context.Context, limit int) ([]crawler.FieldKey, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.q.Query(ctx,
		`SELECT id, short_name, full_name, frequency FROM field_keys ORDER BY frequency DESC, id LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list field keys: %w", err)
	}
	defer rows.Close()

	var out []crawler.FieldKey
	for rows.Next() {
		var key crawler.FieldKey
		if err := rows.Scan(&key.ID, &key.ShortName, &key.FullName, &key.Frequency); err != nil {
			return nil, fmt.Errorf("scan field key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list field keys: %w", err)
	}
	return out, nil
}
