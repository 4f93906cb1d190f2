package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

type rawdataRepo struct{ q querier }

func (r rawdataRepo) Upsert(ctx context.Context, raw crawler.Rawdata) (crawler.Rawdata, error) {
	parsed := raw.ParsedData
	if parsed == nil {
		parsed = map[string]string{}
	}
	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return crawler.Rawdata{}, fmt.Errorf("marshal parsed data: %w", err)
	}
	const query = `
INSERT INTO rawdata (name_id, body_html, title, parsed_data, status_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name_id) DO UPDATE
SET body_html = EXCLUDED.body_html,
    title = EXCLUDED.title,
    parsed_data = EXCLUDED.parsed_data,
    status_id = EXCLUDED.status_id,
    updated_at = now()
RETURNING id`
	err = r.q.QueryRow(ctx, query, raw.NameID, raw.BodyHTML, raw.Title, parsedJSON, raw.StatusID).Scan(&raw.ID)
	if err != nil {
		if foreignKeyViolation(err) {
			return crawler.Rawdata{}, fmt.Errorf("upsert rawdata: name %d: %w", raw.NameID, crawler.ErrNotFound)
		}
		return crawler.Rawdata{}, fmt.Errorf("upsert rawdata for name %d: %w", raw.NameID, err)
	}
	return raw, nil
}

func (r rawdataRepo) GetByName(ctx context.Context, nameID int64) (crawler.Rawdata, error) {
	var (
		raw    crawler.Rawdata
		parsed []byte
	)
	err := r.q.QueryRow(ctx,
		`SELECT id, name_id, body_html, title, parsed_data, status_id FROM rawdata WHERE name_id = $1`, nameID,
	).Scan(&raw.ID, &raw.NameID, &raw.BodyHTML, &raw.Title, &parsed, &raw.StatusID)
	if err != nil {
		return crawler.Rawdata{}, fmt.Errorf("get rawdata for name %d: %w", nameID, notFound(err))
	}
	if len(parsed) > 0 {
		if err := json.Unmarshal(parsed, &raw.ParsedData); err != nil {
			return crawler.Rawdata{}, fmt.Errorf("decode parsed data: %w", err)
		}
	}
	return raw, nil
}
