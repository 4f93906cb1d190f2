package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/storage/memory"
)

const catURL = "https://x/cat.html"

var testSelectors = crawler.SelectorConfig{
	EntityParentSelector: "div.items",
	DetailMarker:         "/detail/",
	PaginationMarker:     "Pages:",
	LabelSelector:        "div.label",
	ValueSelector:        "div.value",
	TitleSelector:        "h1",
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = body
	delete(f.errs, url)
}

func (f *fakeFetcher) fail(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = &crawler.FetchError{URL: url, StatusCode: status, Attempts: 3, Err: errors.New(http.StatusText(status))}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, StatusCode: http.StatusNotFound, Attempts: 1, Err: errors.New("Not Found")}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body), Attempts: 1}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

// listingPage renders a Code page with the given detail slugs and a pager
// linking pages 1..lastLinked.
func listingPage(slugs []string, lastLinked int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="items">`)
	for _, s := range slugs {
		fmt.Fprintf(&b, `<a href="/detail/%s.html">%s</a>`, s, strings.ToUpper(s))
	}
	b.WriteString(`</div><div class="pager">Pages: <a href="cat.html">1</a>`)
	for n := 2; n <= lastLinked; n++ {
		fmt.Fprintf(&b, ` <a href="cat.html?page=%d">%d</a>`, n, n)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func pageURL(t *testing.T, n int) string {
	t.Helper()
	u, err := crawler.PageURL(catURL, n, "page")
	require.NoError(t, err)
	return u
}

type fixture struct {
	store    *memory.Store
	fetcher  *fakeFetcher
	orch     *Orchestrator
	statuses crawler.StatusSet
	registry crawler.Registry
	code     crawler.Code
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	fetcher := newFakeFetcher()
	orch := New(store, fetcher, Config{})

	statuses, err := store.Statuses().EnsureDefaults(ctx)
	require.NoError(t, err)
	registry, err := orch.CreateRegistry(ctx, crawler.Registry{
		Shortname: "wine",
		URL:       "https://x/index.html",
		BasePath:  "/codes/",
		Selectors: testSelectors,
	})
	require.NoError(t, err)
	_, err = store.Codes().Create(ctx, crawler.Code{Code: "cat", URL: catURL, RegistryID: registry.ID, StatusID: statuses.New})
	require.NoError(t, err)
	code, err := store.Codes().FirstIncomplete(ctx, statuses.Completed)
	require.NoError(t, err)

	return &fixture{store: store, fetcher: fetcher, orch: orch, statuses: statuses, registry: registry, code: code}
}

func (f *fixture) reloadCode(t *testing.T) crawler.Code {
	t.Helper()
	code, err := f.store.Codes().Get(context.Background(), f.code.ID)
	require.NoError(t, err)
	return code
}

func (f *fixture) nameCount(t *testing.T) int {
	t.Helper()
	names, err := f.store.Names().ListIncomplete(context.Background(), f.statuses.Completed)
	require.NoError(t, err)
	return len(names)
}
