package orchestrator

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

func TestParseNamesFromCode_TwoPagesCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.set(pageURL(t, 1), listingPage([]string{"a", "b"}, 2))
	f.fetcher.set(pageURL(t, 2), listingPage([]string{"c", "d"}, 2))

	result, err := f.orch.ParseNamesFromCode(context.Background(), WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkCompleted, result.Status)
	require.Equal(t, 2, result.PagesFetched)
	require.Equal(t, 4, result.NamesCreated)
	require.Nil(t, result.LastPage)

	code := f.reloadCode(t)
	require.Equal(t, f.statuses.Completed, code.StatusID)
	require.Nil(t, code.LastPage)
	require.Equal(t, 4, f.nameCount(t))

	registry, err := f.store.Registries().Get(context.Background(), f.registry.ID)
	require.NoError(t, err)
	require.Equal(t, f.statuses.Completed, registry.StatusID, "registry completes with its last code")
}

func TestParseNamesFromCode_RewalkInsertsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.set(pageURL(t, 1), listingPage([]string{"a", "b"}, 2))
	f.fetcher.set(pageURL(t, 2), listingPage([]string{"c", "b"}, 2))

	first, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{CodeID: f.code.ID})
	require.NoError(t, err)
	require.Equal(t, 3, first.NamesCreated)
	require.Equal(t, 4, first.NamesFound)

	require.NoError(t, f.store.Codes().UpdateProgress(ctx, f.code.ID, f.statuses.New, nil))
	second, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{CodeID: f.code.ID})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkCompleted, second.Status)
	require.Zero(t, second.NamesCreated)
	require.Equal(t, 3, f.nameCount(t))
}

func TestParseNamesFromCode_BoundedWalkFetchesOnePage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for n := 1; n <= 3; n++ {
		f.fetcher.set(pageURL(t, n), listingPage([]string{"p" + string(rune('0'+n))}, 3))
	}

	result, err := f.orch.ParseNamesFromCode(context.Background(), WalkOptions{MaxPages: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkInProgress, result.Status)
	require.Equal(t, 1, result.PagesFetched)
	require.Equal(t, 1, f.fetcher.callCount())

	code := f.reloadCode(t)
	require.Equal(t, f.statuses.InProgress, code.StatusID)
	require.NotNil(t, code.LastPage)
	require.Equal(t, 1, *code.LastPage)
}

func TestParseNamesFromCode_BoundedWalkOnLastPageStaysInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fetcher.set(pageURL(t, 1), listingPage([]string{"only"}, 1))

	bounded, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{MaxPages: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkInProgress, bounded.Status)
	require.Equal(t, f.statuses.InProgress, f.reloadCode(t).StatusID)

	unbounded, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, unbounded.StartPage)
	require.Equal(t, crawler.WalkCompleted, unbounded.Status)
}

func TestParseNamesFromCode_ResumesAtFailedPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	three := 3
	require.NoError(t, f.store.Codes().UpdateProgress(ctx, f.code.ID, f.statuses.InProgress, &three))
	f.fetcher.fail(pageURL(t, 4), http.StatusServiceUnavailable)

	failed, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkFetchFailed, failed.Status)
	require.Equal(t, 4, failed.StartPage)
	require.Equal(t, pageURL(t, 4), f.fetcher.lastCall())
	require.Equal(t, 1, f.fetcher.callCount(), "pages 1-3 are never refetched")

	code := f.reloadCode(t)
	require.Equal(t, f.statuses.InProgress, code.StatusID)
	require.Equal(t, 3, *code.LastPage)

	f.fetcher.set(pageURL(t, 4), listingPage([]string{"late"}, 4))
	resumed, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, resumed.StartPage)
	require.Equal(t, crawler.WalkCompleted, resumed.Status)
	require.Equal(t, 1, resumed.NamesCreated)
}

func TestParseNamesFromCode_FailureMidWalkKeepsEarlierPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.set(pageURL(t, 1), listingPage([]string{"a", "b"}, 2))
	f.fetcher.fail(pageURL(t, 2), http.StatusBadGateway)

	result, err := f.orch.ParseNamesFromCode(context.Background(), WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkFetchFailed, result.Status)
	require.Equal(t, 1, result.PagesFetched)
	require.Contains(t, result.Error, "status 502")
	require.Equal(t, 2, f.nameCount(t))
	require.Equal(t, 1, *f.reloadCode(t).LastPage)
}

func TestParseNamesFromCode_FirstPageFailureLeavesNoCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.fail(pageURL(t, 1), http.StatusServiceUnavailable)

	result, err := f.orch.ParseNamesFromCode(context.Background(), WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkFetchFailed, result.Status)
	code := f.reloadCode(t)
	require.Nil(t, code.LastPage)
	require.Equal(t, f.statuses.InProgress, code.StatusID)
}

func TestParseNamesFromCode_MissingPaginationMarkerCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.set(pageURL(t, 1), `<div class="items"><a href="/detail/x.html">X</a></div>`)

	result, err := f.orch.ParseNamesFromCode(context.Background(), WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkCompleted, result.Status)
	require.Equal(t, 1, result.NamesCreated)
}

func TestParseNamesFromCode_CancelBetweenPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CrawlJobs().Create(ctx, crawler.CrawlJob{ID: "job-1", Kind: crawler.TaskWalkCode, TargetID: f.code.ID, Status: crawler.CrawlJobRunning}))
	require.NoError(t, f.store.CrawlJobs().RequestCancel(ctx, "job-1"))
	f.fetcher.set(pageURL(t, 1), listingPage([]string{"a"}, 2))

	result, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkCanceled, result.Status)
	require.Zero(t, f.fetcher.callCount())
}

func TestParseNamesFromCode_NoCodeAndCompletedCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orch.ParseNamesFromCode(ctx, WalkOptions{CodeID: 999})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkNoCode, result.Status)

	require.NoError(t, f.store.Codes().UpdateProgress(ctx, f.code.ID, f.statuses.Completed, nil))
	result, err = f.orch.ParseNamesFromCode(ctx, WalkOptions{CodeID: f.code.ID})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkAlreadyCompleted, result.Status)

	result, err = f.orch.ParseNamesFromCode(ctx, WalkOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.WalkNoCode, result.Status)
}
