package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
)

func TestSweep_DeletesInBatchesAndCountsMetric(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	store := &fakeKeyStore{results: []int{2, 2, 1}}
	worker := NewCleanupWorker(store,
		WithBatchSize(2),
		WithMetrics(metrics.NewWorkflowMetricsWithRegisterer(reg)),
	)

	deleted, err := worker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.Equal(t, []int{2, 2, 2}, store.limits())

	count, err := testutil.GatherAndCount(reg, "orderdesk_idempotency_keys_deleted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSweep_UsesSingleCutoff(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeKeyStore{results: []int{1, 1, 0}}
	worker := NewCleanupWorker(store, WithBatchSize(1))
	worker.now = func() time.Time { return cutoff }

	_, err := worker.Sweep(context.Background())
	require.NoError(t, err)
	for _, before := range store.befores() {
		assert.True(t, before.Equal(cutoff))
	}
}

func TestSweep_ReportsPartialProgressOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	store := &fakeKeyStore{results: []int{3}, errs: []error{nil, boom}}
	worker := NewCleanupWorker(store, WithBatchSize(3))

	deleted, err := worker.Sweep(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, deleted)
}

func TestSweep_AgainstMemoryRepository(t *testing.T) {
	t.Parallel()

	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, c := range []struct {
		key string
		ttl time.Time
	}{
		{"expired-1", now.Add(-2 * time.Hour)},
		{"expired-2", now.Add(-time.Minute)},
		{"live", now.Add(time.Hour)},
	} {
		_, err := repo.CreateProcessing(ctx, domain.IdempotencyClaim{
			IdempotencyRef: domain.IdempotencyRef{ActorID: "cust-1", Key: c.key},
			Method:         "CreateOrder",
			RequestHash:    "h",
			TTLAt:          c.ttl,
		})
		require.NoError(t, err)
	}

	deleted, err := NewCleanupWorker(repo, WithBatchSize(1)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = repo.Get(ctx, domain.IdempotencyRef{ActorID: "cust-1", Key: "live"})
	assert.NoError(t, err)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	worker := NewCleanupWorker(store, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(store.limits()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup worker did not stop after cancel")
	}
}

func TestRun_WithoutStoreReturnsImmediately(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewCleanupWorker(nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without store must not block")
	}
}

type fakeKeyStore struct {
	mu      sync.Mutex
	results []int
	errs    []error
	calls   []time.Time
	limit   []int
}

func (f *fakeKeyStore) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.calls)
	f.calls = append(f.calls, before)
	f.limit = append(f.limit, limit)

	if call < len(f.errs) && f.errs[call] != nil {
		return 0, f.errs[call]
	}
	if call < len(f.results) {
		return f.results[call], nil
	}
	return 0, nil
}

func (f *fakeKeyStore) limits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.limit...)
}

func (f *fakeKeyStore) befores() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}
