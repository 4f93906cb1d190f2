package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/extract"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
)

// FetchDetail fetches a Name's detail page and, in one transaction, records
// every label with the field-key normaliser, upserts the Rawdata and marks
// the Name completed. parsed_data is keyed by the full label text; the page
// title is stored separately so no label can shadow it. A missing Name yields crawler.ErrNotFound; fetch
// failures are returned as *crawler.FetchError.
func (o *Orchestrator) FetchDetail(ctx context.Context, nameID, completedStatusID int64) (crawler.DetailResult, error) {
	name, err := o.store.Names().Get(ctx, nameID)
	if err != nil {
		return crawler.DetailResult{}, fmt.Errorf("load name %d: %w", nameID, err)
	}
	code, err := o.store.Codes().Get(ctx, name.CodeID)
	if err != nil {
		return crawler.DetailResult{}, fmt.Errorf("load code %d for name %d: %w", name.CodeID, nameID, err)
	}
	registry, err := o.store.Registries().Get(ctx, code.RegistryID)
	if err != nil {
		return crawler.DetailResult{}, fmt.Errorf("load registry %d for name %d: %w", code.RegistryID, nameID, err)
	}

	resp, err := o.fetcher.Fetch(ctx, fetchRequest(registry, name.URL))
	if err != nil {
		return crawler.DetailResult{}, fmt.Errorf("fetch detail for name %d: %w", nameID, err)
	}
	doc, err := extract.Parse(resp.Body)
	if err != nil {
		return crawler.DetailResult{}, fmt.Errorf("parse detail for name %d: %w", nameID, err)
	}
	detail := extract.DetailFields(doc, registry.Selectors)

	result := crawler.DetailResult{NameID: nameID, Title: detail.Title, Fields: len(detail.Fields)}
	err = o.store.InTx(ctx, func(repos crawler.Repositories) error {
		normalizer := crawler.NewNormalizer(repos.FieldKeys())
		parsed := make(map[string]string, len(detail.Fields))
		for _, field := range detail.Fields {
			key, err := normalizer.Observe(ctx, field.Label)
			if err != nil {
				return err
			}
			// A label repeated verbatim on one page keeps its first value.
			if _, dup := parsed[key.FullName]; !dup {
				parsed[key.FullName] = field.Value
			}
		}

		raw, err := repos.Rawdata().Upsert(ctx, crawler.Rawdata{
			NameID:     nameID,
			BodyHTML:   string(resp.Body),
			Title:      detail.Title,
			ParsedData: parsed,
			StatusID:   completedStatusID,
		})
		if err != nil {
			return fmt.Errorf("upsert rawdata: %w", err)
		}
		result.RawdataID = raw.ID
		if err := repos.Names().UpdateStatus(ctx, nameID, completedStatusID); err != nil {
			return fmt.Errorf("complete name: %w", err)
		}
		return nil
	})
	if err != nil {
		return crawler.DetailResult{}, fmt.Errorf("persist detail for name %d: %w", nameID, err)
	}

	metrics.ObserveFieldKeys(len(detail.Fields))
	o.logger.Debug("detail persisted",
		zap.Int64("name_id", nameID),
		zap.Int64("rawdata_id", result.RawdataID),
		zap.Int("fields", result.Fields),
	)
	return result, nil
}
