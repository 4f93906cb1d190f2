package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/config"
	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/dispatcher"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
)

type fakeApp struct {
	served      bool
	workers     bool
	closed      bool
	runOpts     orchestrator.RunOptions
	registry    crawler.Registry
	walkOpts    orchestrator.WalkOptions
	nameID      int64
	jobID       string
	pendingCall bool
	err         error
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return f.err
}

func (f *fakeApp) RunWorkers(context.Context) error {
	f.workers = true
	return f.err
}

func (f *fakeApp) Discover(_ context.Context, opts orchestrator.RunOptions) (crawler.RunResult, error) {
	f.runOpts = opts
	return crawler.RunResult{Status: crawler.RunDiscovered, Registry: "wine", CodesCreated: 3}, f.err
}

func (f *fakeApp) CreateRegistry(_ context.Context, registry crawler.Registry) (crawler.Registry, error) {
	if f.err != nil {
		return crawler.Registry{}, f.err
	}
	if err := registry.Validate(); err != nil {
		return crawler.Registry{}, err
	}
	f.registry = registry
	registry.ID = 9
	return registry, nil
}

func (f *fakeApp) Walk(_ context.Context, opts orchestrator.WalkOptions) (crawler.WalkResult, error) {
	f.walkOpts = opts
	return crawler.WalkResult{Status: crawler.WalkCompleted, CodeID: opts.CodeID, PagesFetched: 2}, f.err
}

func (f *fakeApp) EnqueueName(_ context.Context, nameID int64, jobID string) (crawler.Task, error) {
	f.nameID = nameID
	f.jobID = jobID
	return crawler.Task{ID: "task-1", Name: crawler.TaskFetchDetail, Arg: nameID}, f.err
}

func (f *fakeApp) EnqueuePending(context.Context) (dispatcher.BulkResult, dispatcher.BulkResult, error) {
	f.pendingCall = true
	return dispatcher.BulkResult{Enqueued: 1}, dispatcher.BulkResult{Enqueued: 4, Skipped: 2}, f.err
}

func (f *fakeApp) Migrate(context.Context) (crawler.StatusSet, error) {
	return crawler.StatusSet{New: 1, InProgress: 2, Completed: 3}, f.err
}

func (f *fakeApp) Close() { f.closed = true }

// withFakeApp swaps the application factory for the duration of a test.
func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDiscoverCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	out, err := execute(t, "discover", "--shortname", "wine", "--url", "https://example.com/", "--force")
	require.NoError(t, err)
	require.Equal(t, orchestrator.RunOptions{Shortname: "wine", URL: "https://example.com/", Force: true}, app.runOpts)
	require.True(t, app.closed)

	var result crawler.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, crawler.RunDiscovered, result.Status)
	require.Equal(t, 3, result.CodesCreated)
}

func TestRegistryCreateCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	out, err := execute(t, "registry", "create",
		"--shortname", "beer", "--url", "https://beer.example.com/", "--base-path", "/styles/",
		"--timeout", "20s", "--label-selector", "dt", "--value-selector", "dd")
	require.NoError(t, err)
	require.Equal(t, "beer", app.registry.Shortname)
	require.Equal(t, 20*time.Second, app.registry.Timeout)
	require.Equal(t, "dd", app.registry.Selectors.ValueSelector)

	var created crawler.Registry
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Equal(t, int64(9), created.ID)

	_, err = execute(t, "registry", "create", "--shortname", "beer", "--url", "/relative")
	require.ErrorIs(t, err, crawler.ErrInvalidRegistry)
}

func TestWalkCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	out, err := execute(t, "walk", "--code-id", "7", "--max-pages", "2")
	require.NoError(t, err)
	require.Equal(t, orchestrator.WalkOptions{CodeID: 7, MaxPages: 2}, app.walkOpts)
	require.Contains(t, out, `"pages_fetched": 2`)

	_, err = execute(t, "walk", "--max-pages=-1")
	require.ErrorContains(t, err, "must be >= 0")
}

func TestEnqueueCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	out, err := execute(t, "enqueue", "--name-id", "42", "--job-id", "job-x")
	require.NoError(t, err)
	require.Equal(t, int64(42), app.nameID)
	require.Equal(t, "job-x", app.jobID)
	require.Contains(t, out, `"job_id": "task-1"`)

	out, err = execute(t, "enqueue", "--pending")
	require.NoError(t, err)
	require.True(t, app.pendingCall)
	require.Contains(t, out, `"skipped": 2`)

	_, err = execute(t, "enqueue")
	require.ErrorContains(t, err, "exactly one of")
	_, err = execute(t, "enqueue", "--pending", "--name-id", "1")
	require.ErrorContains(t, err, "exactly one of")
}

func TestMigrateCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	out, err := execute(t, "migrate")
	require.NoError(t, err)

	var statuses crawler.StatusSet
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Equal(t, int64(3), statuses.Completed)
}

func TestServeAndWorkerCommands(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.served)

	_, err = execute(t, "worker")
	require.NoError(t, err)
	require.True(t, app.workers)
}

func TestCommandPropagatesAppErrors(t *testing.T) {
	app := &fakeApp{err: errors.New("boom")}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "boom")
}

func TestRootFailsWhenAppCannotBuild(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("no database")
	}
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "migrate")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestRootFailsOnMissingConfig(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "--config", "/nonexistent/crawler.yaml", "migrate")
	require.ErrorContains(t, err, "load config")
}
