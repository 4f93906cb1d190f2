// Package orchestrator drives the registry crawl: discovering Codes on a
// Registry listing, walking each Code's pagination into Names with a
// persisted checkpoint, and fetching a Name's detail page into Rawdata.
//
// Fetch and extraction failures never escape as errors; they are folded
// into the persisted status and the returned result. Only store failures
// are returned.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/extract"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
)

// Config wires optional orchestrator behaviour.
type Config struct {
	// DefaultRegistry is synthesized when no Registry row is available.
	DefaultRegistry crawler.Registry
	Logger          *zap.Logger
}

// Orchestrator owns the Registry/Code/Name state machine.
type Orchestrator struct {
	store           crawler.Store
	fetcher         crawler.Fetcher
	defaultRegistry crawler.Registry
	logger          *zap.Logger
}

// New builds an Orchestrator.
func New(store crawler.Store, fetcher crawler.Fetcher, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:           store,
		fetcher:         fetcher,
		defaultRegistry: cfg.DefaultRegistry,
		logger:          logger,
	}
}

// RunOptions selects the Registry to discover.
type RunOptions struct {
	Shortname string `json:"shortname,omitempty"`
	URL       string `json:"url,omitempty"`
	// Force re-walks a Registry that is already completed.
	Force bool `json:"force,omitempty"`
}

// Run discovers the Codes listed on a Registry's top-level page.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (crawler.RunResult, error) {
	statuses, err := o.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return crawler.RunResult{}, fmt.Errorf("ensure statuses: %w", err)
	}

	registry, err := o.resolveRegistry(ctx, opts, statuses)
	if err != nil {
		return crawler.RunResult{}, err
	}
	result := crawler.RunResult{RegistryID: registry.ID, Registry: registry.Shortname}
	logger := o.logger.With(zap.Int64("registry_id", registry.ID), zap.String("registry", registry.Shortname))

	if registry.StatusID == statuses.Completed && !opts.Force {
		logger.Info("registry already completed")
		result.Status = crawler.RunAlreadyCompleted
		result.ForceAvailable = true
		return result, nil
	}

	resp, err := o.fetcher.Fetch(ctx, fetchRequest(registry, registry.URL))
	if err != nil {
		logger.Warn("registry listing fetch failed", zap.Error(err))
		result.Status = crawler.RunFetchFailed
		result.Error = err.Error()
		return result, nil
	}
	doc, err := extract.Parse(resp.Body)
	if err != nil {
		result.Status = crawler.RunFetchFailed
		result.Error = err.Error()
		return result, nil
	}
	links := extract.RegistryLinks(doc, resp.URL, registry.Selectors, registry.BasePath)
	result.CodesFound = len(links)

	err = o.store.InTx(ctx, func(repos crawler.Repositories) error {
		for _, link := range links {
			created, err := repos.Codes().Create(ctx, crawler.Code{
				Code:       codeFromURL(link),
				URL:        link,
				RegistryID: registry.ID,
				StatusID:   statuses.New,
			})
			if err != nil {
				return fmt.Errorf("create code %s: %w", link, err)
			}
			if created {
				result.CodesCreated++
			}
		}
		return refreshRegistryStatus(ctx, repos, registry.ID, statuses, len(links) > 0)
	})
	if err != nil {
		return crawler.RunResult{}, fmt.Errorf("persist codes for registry %s: %w", registry.Shortname, err)
	}

	metrics.ObserveDiscovered("code", result.CodesCreated)
	logger.Info("registry discovery finished",
		zap.Int("codes_found", result.CodesFound),
		zap.Int("codes_created", result.CodesCreated),
	)
	result.Status = crawler.RunDiscovered
	return result, nil
}

func (o *Orchestrator) resolveRegistry(
	ctx context.Context,
	opts RunOptions,
	statuses crawler.StatusSet,
) (crawler.Registry, error) {
	repo := o.store.Registries()
	var (
		registry crawler.Registry
		err      error
	)
	switch {
	case opts.Shortname != "":
		registry, err = repo.GetByShortname(ctx, opts.Shortname)
	case opts.URL != "":
		registry, err = repo.GetByURL(ctx, opts.URL)
	default:
		registry, err = repo.FirstIncomplete(ctx, statuses.Completed)
	}
	if err == nil {
		return registry, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Registry{}, fmt.Errorf("resolve registry: %w", err)
	}

	def := o.defaultRegistry
	if def.URL == "" {
		return crawler.Registry{}, fmt.Errorf("resolve registry: no registry matches and no default is configured: %w", crawler.ErrNotFound)
	}
	if opts.Shortname != "" && opts.Shortname != def.Shortname {
		return crawler.Registry{}, fmt.Errorf("registry %q: %w", opts.Shortname, crawler.ErrNotFound)
	}
	if opts.URL != "" && opts.URL != def.URL {
		return crawler.Registry{}, fmt.Errorf("registry %s: %w", opts.URL, crawler.ErrNotFound)
	}
	// An explicit lookup above missed; the default may still exist and be completed.
	if existing, err := repo.GetByShortname(ctx, def.Shortname); err == nil {
		return existing, nil
	}
	return o.CreateRegistry(ctx, def)
}

// CreateRegistry validates and persists a Registry with status new.
func (o *Orchestrator) CreateRegistry(ctx context.Context, registry crawler.Registry) (crawler.Registry, error) {
	if err := registry.Validate(); err != nil {
		return crawler.Registry{}, fmt.Errorf("create registry %q: %w", registry.Shortname, err)
	}
	statuses, err := o.store.Statuses().EnsureDefaults(ctx)
	if err != nil {
		return crawler.Registry{}, fmt.Errorf("ensure statuses: %w", err)
	}
	registry.StatusID = statuses.New
	created, err := o.store.Registries().Create(ctx, registry)
	if err != nil {
		return crawler.Registry{}, fmt.Errorf("create registry %q: %w", registry.Shortname, err)
	}
	o.logger.Info("registry created", zap.Int64("registry_id", created.ID), zap.String("registry", created.Shortname))
	return created, nil
}

// refreshRegistryStatus derives the Registry status from its Codes: completed
// once discovery has produced Codes and none remains unfinished.
func refreshRegistryStatus(
	ctx context.Context,
	repos crawler.Repositories,
	registryID int64,
	statuses crawler.StatusSet,
	discovered bool,
) error {
	pending, err := repos.Codes().CountIncomplete(ctx, registryID, statuses.Completed)
	if err != nil {
		return fmt.Errorf("count incomplete codes: %w", err)
	}
	status := statuses.InProgress
	if pending == 0 && discovered {
		status = statuses.Completed
	}
	if err := repos.Registries().UpdateStatus(ctx, registryID, status); err != nil {
		return fmt.Errorf("update registry status: %w", err)
	}
	return nil
}

func fetchRequest(registry crawler.Registry, rawURL string) crawler.FetchRequest {
	return crawler.FetchRequest{
		URL:     rawURL,
		Timeout: registry.Timeout,
		Charset: registry.Charset,
	}
}

// codeFromURL names a Code after the last path segment of its URL.
func codeFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return u.Host
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
