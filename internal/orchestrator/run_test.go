package orchestrator

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/storage/memory"
)

const registryPage = `<html><body>
<div id="menu">
  <a href="/codes/wine.html">Wine</a>
  <a href="/codes/beer.html?sort=asc">Beer</a>
  <a href="/codes/wine.html#top">Wine again</a>
  <a href="/about.html">About</a>
</div></body></html>`

func defaultRegistry() crawler.Registry {
	return crawler.Registry{
		Shortname: "default",
		URL:       "https://x/index.html",
		BasePath:  "/codes/",
		Selectors: testSelectors,
	}
}

func TestRun_SynthesizesDefaultAndDiscoversCodes(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.set("https://x/index.html", registryPage)
	orch := New(store, fetcher, Config{DefaultRegistry: defaultRegistry()})
	ctx := context.Background()

	result, err := orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.RunDiscovered, result.Status)
	require.Equal(t, "default", result.Registry)
	require.Equal(t, 2, result.CodesFound)
	require.Equal(t, 2, result.CodesCreated)

	statuses, err := store.Statuses().EnsureDefaults(ctx)
	require.NoError(t, err)
	codes, err := store.Codes().ListIncomplete(ctx, statuses.Completed)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	require.Equal(t, "wine", codes[0].Code)
	require.Equal(t, "https://x/codes/beer.html", codes[1].URL)
	require.Equal(t, statuses.New, codes[0].StatusID)

	registry, err := store.Registries().Get(ctx, result.RegistryID)
	require.NoError(t, err)
	require.Equal(t, statuses.InProgress, registry.StatusID)

	again, err := orch.Run(ctx, RunOptions{Shortname: "default"})
	require.NoError(t, err)
	require.Equal(t, result.RegistryID, again.RegistryID)
	require.Zero(t, again.CodesCreated, "rediscovery inserts nothing")
}

func TestRun_CompletedRegistryNeedsForce(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.set("https://x/index.html", registryPage)
	orch := New(store, fetcher, Config{DefaultRegistry: defaultRegistry()})
	ctx := context.Background()

	first, err := orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	statuses, err := store.Statuses().EnsureDefaults(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Registries().UpdateStatus(ctx, first.RegistryID, statuses.Completed))

	noop, err := orch.Run(ctx, RunOptions{Shortname: "default"})
	require.NoError(t, err)
	require.Equal(t, crawler.RunAlreadyCompleted, noop.Status)
	require.True(t, noop.ForceAvailable)
	calls := fetcher.callCount()

	forced, err := orch.Run(ctx, RunOptions{Shortname: "default", Force: true})
	require.NoError(t, err)
	require.Equal(t, crawler.RunDiscovered, forced.Status)
	require.Equal(t, calls+1, fetcher.callCount())
}

func TestRun_FetchFailureIsAResult(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.fail("https://x/index.html", http.StatusServiceUnavailable)
	orch := New(store, fetcher, Config{DefaultRegistry: defaultRegistry()})

	result, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.RunFetchFailed, result.Status)
	require.Contains(t, result.Error, "503")
}

func TestRun_UnknownRegistry(t *testing.T) {
	t.Parallel()

	orch := New(memory.NewStore(), newFakeFetcher(), Config{})
	_, err := orch.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, crawler.ErrNotFound)

	withDefault := New(memory.NewStore(), newFakeFetcher(), Config{DefaultRegistry: defaultRegistry()})
	_, err = withDefault.Run(context.Background(), RunOptions{Shortname: "other"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCreateRegistry_RejectsBrokenSelectors(t *testing.T) {
	t.Parallel()

	orch := New(memory.NewStore(), newFakeFetcher(), Config{})
	reg := defaultRegistry()
	reg.Selectors.LabelSelector = "div[["
	_, err := orch.CreateRegistry(context.Background(), reg)
	require.ErrorIs(t, err, crawler.ErrInvalidSelectors)
}

func TestCodeFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "wine", codeFromURL("https://x/codes/wine.html"))
	require.Equal(t, "beer", codeFromURL("https://x/codes/beer/"))
	require.Equal(t, "x", codeFromURL("https://x/"))
}
