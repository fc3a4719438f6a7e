//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestDispatcher(t *testing.T, store Store, publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	opts = append([]DispatcherOption{WithDispatchInterval(5 * time.Millisecond)}, opts...)

	d, err := NewDispatcher(store, publisher, log.NewNop(), nil, opts...)
	require.NoError(t, err)

	return d
}

func TestNewDispatcherValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, &recordingPublisher{}, nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewDispatcher(newMemStore(), nil, nil, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)

	d, err := NewDispatcher(newMemStore(), &recordingPublisher{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d.Config().DispatchInterval)
	assert.True(t, d.Config().Durable)
	assert.Zero(t, d.Config().MaxIterations)
}

func TestDispatchOncePublishesOldestFirstAndMarksSent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	first := store.add("database_queries", Payload{"n": 1})
	second := store.add("audit", Payload{"n": 2})

	publisher := &recordingPublisher{}
	d := newTestDispatcher(t, store, publisher)

	result := d.DispatchOnceResult(context.Background())

	assert.Equal(t, DispatchResult{Processed: 2, Published: 2}, result)
	assert.Equal(t, StatusSent, store.status(first))
	assert.Equal(t, StatusSent, store.status(second))

	msgs := publisher.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "database_queries", msgs[0].Queue)
	assert.Equal(t, "audit", msgs[1].Queue)
	assert.Equal(t, "1", msgs[0].MessageID)
	assert.True(t, msgs[0].Durable)
	assert.Equal(t, "1", msgs[0].Headers[RecordIDHeader])
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Body))

	calls := store.statusCalls()
	require.Len(t, calls, 2)

	again := d.DispatchOnceResult(context.Background())
	assert.Equal(t, DispatchResult{}, again)
	assert.Equal(t, calls, store.statusCalls(), "re-poll must not touch sent records")
	assert.Len(t, publisher.published(), 2)
}

func TestDispatchOnceMarksFailedAndContinues(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	bad := store.add("q", Payload{"n": 1})
	good := store.add("q", Payload{"n": 2})

	publisher := &recordingPublisher{failFor: map[string]bool{"1": true}}
	d := newTestDispatcher(t, store, publisher)

	result := d.DispatchOnceResult(context.Background())

	assert.Equal(t, DispatchResult{Processed: 2, Published: 1, Failed: 1}, result)
	assert.Equal(t, StatusFailed, store.status(bad))
	assert.Equal(t, StatusSent, store.status(good))

	calls := store.statusCalls()
	assert.Equal(t, []statusCall{{id: bad, status: StatusFailed}, {id: good, status: StatusSent}}, calls)

	again := d.DispatchOnceResult(context.Background())
	assert.Zero(t, again.Processed, "failed records are not retried automatically")
	assert.Equal(t, calls, store.statusCalls())
	assert.Len(t, publisher.published(), 2)
}

func TestDispatchOnceTreatsPublishTimeoutAsFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	id := store.add("q", Payload{"n": 1})

	slow := PublisherFunc(func(ctx context.Context, _ Message) error {
		<-ctx.Done()
		return NewError(KindTransport, "confirm", ctx.Err())
	})

	d := newTestDispatcher(t, store, slow, WithPublishTimeout(10*time.Millisecond))

	result := d.DispatchOnceResult(context.Background())

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, StatusFailed, store.status(id))
}

func TestDispatchOnceListFailureIsEmptyCycle(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.listErr = NewError(KindPersistence, "list_pending", errors.New("connection reset"))

	logger := &recordingLogger{}
	d, err := NewDispatcher(store, &recordingPublisher{}, logger, nil)
	require.NoError(t, err)

	assert.Equal(t, DispatchResult{}, d.DispatchOnceResult(context.Background()))
	assert.True(t, logger.has(log.LevelError, "outbox list pending failed"))
}

func TestDispatchOnceCountsRejectedStatusUpdates(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.add("q", Payload{"n": 1})
	store.rejectSet = true

	logger := &recordingLogger{}
	d, err := NewDispatcher(store, &recordingPublisher{}, logger, nil)
	require.NoError(t, err)

	result := d.DispatchOnceResult(context.Background())

	assert.Equal(t, DispatchResult{Processed: 1, Published: 1, StateUpdateFailed: 1}, result)
	assert.True(t, logger.has(log.LevelError, "outbox record published but failed to persist status"))
}

func TestDispatchOnceCountsStatusUpdateErrors(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.add("q", Payload{"n": 1})
	store.setErr = NewError(KindPersistence, "set_status", errors.New("commit failed"))

	d := newTestDispatcher(t, store, &recordingPublisher{failFor: map[string]bool{"1": true}})

	result := d.DispatchOnceResult(context.Background())

	assert.Equal(t, DispatchResult{Processed: 1, Failed: 1, StateUpdateFailed: 1}, result)
}

func TestDispatchOnceStopsBetweenRecords(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	first := store.add("q", Payload{"n": 1})
	second := store.add("q", Payload{"n": 2})

	var d *Dispatcher

	publisher := &recordingPublisher{}
	publisher.onPublish = func(Message) { d.Stop() }
	d = newTestDispatcher(t, store, publisher)

	result := d.DispatchOnceResult(context.Background())

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, StatusSent, store.status(first))
	assert.Equal(t, StatusPending, store.status(second))
}

func TestDispatchOnceLeavesRecordPendingWhenCancelledMidPublish(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	id := store.add("q", Payload{"n": 1})

	ctx, cancel := context.WithCancel(context.Background())

	publisher := PublisherFunc(func(ctx context.Context, _ Message) error {
		cancel()
		return NewError(KindTransport, "publish", ctx.Err())
	})

	d := newTestDispatcher(t, store, publisher)

	result := d.DispatchOnceResult(ctx)

	assert.Zero(t, result.Processed)
	assert.Equal(t, StatusPending, store.status(id))
}

func TestRunContextHonoursMaxIterations(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.add("q", Payload{"n": 1})

	var lists atomic.Int32

	counting := &countingStore{Store: store, lists: &lists}
	d := newTestDispatcher(t, counting, &recordingPublisher{}, WithMaxIterations(3))

	require.NoError(t, d.RunContext(context.Background(), nil))
	assert.Equal(t, int32(3), lists.Load())
}

func TestRunContextStopsOnCancel(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newMemStore(), &recordingPublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- d.RunContext(ctx, nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestRunViaLauncherAndShutdown(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	id := store.add("q", Payload{"n": 1})

	d := newTestDispatcher(t, store, &recordingPublisher{})
	launcher := relay.NewLauncher(relay.WithLogger(log.NewNop()))

	done := make(chan error, 1)

	go func() { done <- d.Run(launcher) }()

	require.Eventually(t, func() bool { return store.status(id) == StatusSent }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after shutdown")
	}
}

func TestStopBeforeRunEndsThatRun(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	id := store.add("q", Payload{"n": 1})

	var lists atomic.Int32

	counting := &countingStore{Store: store, lists: &lists}
	d := newTestDispatcher(t, counting, &recordingPublisher{}, WithMaxIterations(1))

	d.Stop()
	d.Stop()

	done := make(chan error, 1)

	go func() { done <- d.RunContext(context.Background(), nil) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop issued before the run was lost")
	}

	assert.Zero(t, lists.Load())
	assert.Equal(t, StatusPending, store.status(id))

	require.NoError(t, d.RunContext(context.Background(), nil))
	assert.Equal(t, int32(1), lists.Load())
	assert.Equal(t, StatusSent, store.status(id))
}

func TestRunContextRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newMemStore(), &recordingPublisher{}, WithDispatchInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- d.RunContext(ctx, nil) }()

	require.Eventually(t, func() bool {
		d.runStateMu.Lock()
		defer d.runStateMu.Unlock()

		return d.running
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, d.RunContext(ctx, nil), ErrDispatcherRunning)

	d.Stop()
	require.NoError(t, <-done)
}

type guardFunc func(context.Context) (bool, error)

func (f guardFunc) Allow(ctx context.Context) (bool, error) { return f(ctx) }

func TestCycleGuardSkipsCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		guard guardFunc
		sent  bool
	}{
		{name: "denied", guard: func(context.Context) (bool, error) { return false, nil }},
		{name: "error", guard: func(context.Context) (bool, error) { return false, errors.New("redis down") }},
		{name: "allowed", guard: func(context.Context) (bool, error) { return true, nil }, sent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMemStore()
			id := store.add("q", Payload{"n": 1})

			d := newTestDispatcher(t, store, &recordingPublisher{}, WithCycleGuard(tt.guard), WithMaxIterations(1))
			require.NoError(t, d.RunContext(context.Background(), nil))

			if tt.sent {
				assert.Equal(t, StatusSent, store.status(id))
			} else {
				assert.Equal(t, StatusPending, store.status(id))
			}
		})
	}
}

func TestDispatcherMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	store := newMemStore()
	store.add("q", Payload{"n": 1})
	store.add("q", Payload{"n": 2})

	d := newTestDispatcher(t, store, &recordingPublisher{failFor: map[string]bool{"2": true}}, WithMeterProvider(provider))
	d.DispatchOnceResult(context.Background())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, meterName, rm.ScopeMetrics[0].Scope.Name)

	sums := map[string]int64{}

	for _, m := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), sums["outbox.events.dispatched"])
	assert.Equal(t, int64(1), sums["outbox.events.failed"])
}

type countingStore struct {
	Store
	lists *atomic.Int32
}

func (s *countingStore) ListPendingOldestFirst(ctx context.Context) ([]*OutboxRecord, error) {
	s.lists.Add(1)

	return s.Store.ListPendingOldestFirst(ctx)
}
