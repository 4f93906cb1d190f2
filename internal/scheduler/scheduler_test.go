package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/dispatcher"
	"github.com/JakeFAU/registry-crawler/internal/id/uuid"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
)

type fakeDiscoverer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeDiscoverer) Run(context.Context, orchestrator.RunOptions) (crawler.RunResult, error) {
	f.calls.Add(1)
	return crawler.RunResult{Status: crawler.RunDiscovered, Registry: "wine"}, f.err
}

type fakeEnqueuer struct {
	codes   atomic.Int32
	names   atomic.Int32
	codeErr error
}

func (f *fakeEnqueuer) EnqueuePendingCodes(context.Context, crawler.IDGenerator) (dispatcher.BulkResult, error) {
	f.codes.Add(1)
	return dispatcher.BulkResult{Enqueued: 2}, f.codeErr
}

func (f *fakeEnqueuer) EnqueuePendingNames(context.Context) (dispatcher.BulkResult, error) {
	f.names.Add(1)
	return dispatcher.BulkResult{Enqueued: 5, Skipped: 1}, nil
}

func TestNewRegistersConfiguredJobs(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeDiscoverer{}, &fakeEnqueuer{}, uuid.NewUUIDGenerator(),
		Config{DiscoveryCron: "0 3 * * *", EnqueueCron: "*/30 * * * *"}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, s.Jobs())

	s, err = New(&fakeDiscoverer{}, &fakeEnqueuer{}, nil, Config{EnqueueCron: "@hourly"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Jobs())
}

func TestNewRejectsBadExpression(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeDiscoverer{}, &fakeEnqueuer{}, nil, Config{DiscoveryCron: "never"}, nil)
	require.ErrorContains(t, err, "schedule discovery")
}

func TestEnqueuePendingQueuesCodesThenNames(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	s, err := New(&fakeDiscoverer{}, enq, uuid.NewUUIDGenerator(), Config{}, nil)
	require.NoError(t, err)

	require.NoError(t, s.EnqueuePending(context.Background()))
	require.Equal(t, int32(1), enq.codes.Load())
	require.Equal(t, int32(1), enq.names.Load())

	enq.codeErr = errors.New("broker down")
	err = s.EnqueuePending(context.Background())
	require.ErrorContains(t, err, "enqueue pending codes")
	require.Equal(t, int32(1), enq.names.Load())
}

func TestDiscoverWrapsErrors(t *testing.T) {
	t.Parallel()

	disc := &fakeDiscoverer{err: errors.New("db down")}
	s, err := New(disc, &fakeEnqueuer{}, nil, Config{}, nil)
	require.NoError(t, err)

	require.ErrorContains(t, s.Discover(context.Background()), "scheduled discovery")
	require.Equal(t, int32(1), disc.calls.Load())
}

func TestRunTriggersScheduleUntilCanceled(t *testing.T) {
	t.Parallel()

	disc := &fakeDiscoverer{}
	s, err := New(disc, &fakeEnqueuer{}, nil, Config{DiscoveryCron: "@every 1s"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return disc.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
