package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/clock/system"
	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/id/uuid"
	queuememory "github.com/JakeFAU/registry-crawler/internal/queue/memory"
	"github.com/JakeFAU/registry-crawler/internal/storage/memory"
)

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.started <- struct{}{}
	<-ctx.Done()
	return nil
}

type failingRunner struct {
	err error
}

func (r failingRunner) Run(context.Context) error {
	return r.err
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.Task) error { return q.err }
func (q *errorQueue) Dequeue(context.Context) (crawler.Task, error) { return crawler.Task{}, nil }
func (q *errorQueue) Complete(context.Context, crawler.Task) error { return nil }

// seed creates one registry with one code and the given number of names.
func seed(t *testing.T, store *memory.Store, names int) (crawler.StatusSet, []int64) {
	t.Helper()
	ctx := context.Background()
	statuses, err := store.Statuses().EnsureDefaults(ctx)
	require.NoError(t, err)

	reg, err := store.Registries().Create(ctx, crawler.Registry{
		Shortname: "wine", URL: "https://x/", BasePath: "/cat/", StatusID: statuses.New,
	})
	require.NoError(t, err)
	_, err = store.Codes().Create(ctx, crawler.Code{Code: "red", URL: "https://x/cat/red.html", RegistryID: reg.ID, StatusID: statuses.New})
	require.NoError(t, err)
	codes, err := store.Codes().ListIncomplete(ctx, statuses.Completed)
	require.NoError(t, err)
	require.Len(t, codes, 1)

	var ids []int64
	for i := 0; i < names; i++ {
		_, err := store.Names().Create(ctx, crawler.Name{
			CodeID:   codes[0].ID,
			Name:     "n",
			URL:      "https://x/detail/" + string(rune('a'+i)),
			StatusID: statuses.New,
		})
		require.NoError(t, err)
	}
	pending, err := store.Names().ListIncomplete(ctx, statuses.Completed)
	require.NoError(t, err)
	for _, n := range pending {
		ids = append(ids, n.ID)
	}
	return statuses, ids
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{started: make(chan struct{}, 2)}
	dispatch := New(nil, nil, []Runner{runner, runner}, nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatch.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-runner.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherRunStopsPoolOnFatalWorker(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{started: make(chan struct{}, 1)}
	boom := errors.New("boom")
	dispatch := New(nil, nil, []Runner{runner, failingRunner{err: boom}}, nil, Config{}, zap.NewNop())

	err := dispatch.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil, nil, nil, Config{}, nil)

	err := dispatch.Enqueue(context.Background(), crawler.Task{ID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestDispatcherEnqueueFillsDefaults(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(1)
	at := time.Unix(1700000000, 0)
	dispatch := New(queue, nil, nil, system.Fixed(at), Config{MaxRetries: 4}, nil)

	require.NoError(t, dispatch.Enqueue(context.Background(), crawler.Task{Name: crawler.TaskWalkCode, Arg: 3}))
	got, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, got.MaxRetries)
	require.True(t, got.EnqueuedAt.Equal(at))
}

func TestDispatcherEnqueueNameDedupes(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, ids := seed(t, store, 1)
	queue := queuememory.NewQueue(4)
	dispatch := New(queue, store, nil, nil, Config{}, nil)

	task, err := dispatch.EnqueueName(context.Background(), ids[0], "")
	require.NoError(t, err)
	require.Equal(t, uuid.TaskID("fetch_detail", ids[0]), task.ID)

	_, err = dispatch.EnqueueName(context.Background(), ids[0], "")
	require.ErrorIs(t, err, crawler.ErrDuplicateTask)

	custom, err := dispatch.EnqueueName(context.Background(), ids[0], "custom-id")
	require.NoError(t, err)
	require.Equal(t, "custom-id", custom.ID)

	_, err = dispatch.EnqueueName(context.Background(), 999, "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestDispatcherEnqueuePendingNamesSkipsQueued(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	statuses, ids := seed(t, store, 3)
	require.NoError(t, store.Names().UpdateStatus(context.Background(), ids[2], statuses.Completed))

	queue := queuememory.NewQueue(8)
	dispatch := New(queue, store, nil, nil, Config{}, zap.NewNop())

	_, err := dispatch.EnqueueName(context.Background(), ids[0], "")
	require.NoError(t, err)

	result, err := dispatch.EnqueuePendingNames(context.Background())
	require.NoError(t, err)
	require.Equal(t, BulkResult{Enqueued: 1, Skipped: 1}, result)
	require.Equal(t, 2, queue.Len())
}

func TestDispatcherEnqueuePendingCodes(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seed(t, store, 0)
	queue := queuememory.NewQueue(2)
	dispatch := New(queue, store, nil, nil, Config{}, zap.NewNop())

	result, err := dispatch.EnqueuePendingCodes(context.Background(), uuid.NewUUIDGenerator())
	require.NoError(t, err)
	require.Equal(t, 1, result.Enqueued)

	task, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.TaskWalkCode, task.Name)
	require.True(t, uuid.Valid(task.ID))
}
