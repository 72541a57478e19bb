package logpipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/store"
)

func testMetrics() *Metrics {
	return NewMetrics("test_logpipeline", prometheus.NewRegistry())
}

type fakeRequestLogStore struct {
	mu   sync.Mutex
	rows []*store.RequestLog
	fail bool
}

func (f *fakeRequestLogStore) InsertRequestLog(ctx context.Context, row *store.RequestLog) error {
	if f.fail {
		return errors.New("store unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeRequestLogStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func TestRequestLogWriterEnqueueAndDrain(t *testing.T) {
	st := &fakeRequestLogStore{}
	w := NewRequestLogWriter(st, 8, "test1", testMetrics(), zap.NewNop())

	for i := 0; i < 5; i++ {
		w.Enqueue(context.Background(), &store.RequestLog{TraceID: "t"})
	}
	w.Stop()

	assert.Equal(t, 5, st.count())
}

func TestRequestLogWriterWriteThroughOnBackpressure(t *testing.T) {
	st := &fakeRequestLogStore{}
	w := NewRequestLogWriter(st, 1, "test2", testMetrics(), zap.NewNop())

	// Fill the single buffer slot, then an "important" row should still
	// land via the write-through path rather than being dropped.
	w.Enqueue(context.Background(), &store.RequestLog{TraceID: "filler"})

	status := 500
	important := &store.RequestLog{TraceID: "important", Status: &status}
	w.Enqueue(context.Background(), important)
	w.Stop()

	assert.GreaterOrEqual(t, st.count(), 1)
	found := false
	for _, r := range st.rows {
		if r.TraceID == "important" {
			found = true
		}
	}
	assert.True(t, found, "important row must not be silently dropped")
}

func TestRequestLogWriterWritesThroughWhenClosed(t *testing.T) {
	st := &fakeRequestLogStore{}
	w := NewRequestLogWriter(st, 8, "test3", testMetrics(), zap.NewNop())
	w.Stop()

	// Writer is closed: Enqueue must not panic or block, and falls back to
	// write-through unconditionally.
	w.Enqueue(context.Background(), &store.RequestLog{TraceID: "after-close"})
	assert.Equal(t, 1, st.count())
}

func TestImportantClassification(t *testing.T) {
	status4xx := 404
	code := "UPSTREAM_4XX"
	assert.True(t, important(&store.RequestLog{Status: &status4xx}))
	assert.True(t, important(&store.RequestLog{ErrorCode: &code}))
	ok := 200
	assert.False(t, important(&store.RequestLog{Status: &ok}))
}

type fakeSnapshotStore struct {
	mu    sync.Mutex
	calls [][]store.CircuitSnapshot
}

func (f *fakeSnapshotStore) UpsertCircuitSnapshots(ctx context.Context, snapshots []store.CircuitSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]store.CircuitSnapshot, len(snapshots))
	copy(cp, snapshots)
	f.calls = append(f.calls, cp)
	return nil
}

func TestCircuitSnapshotWriterCollapsesDuplicates(t *testing.T) {
	st := &fakeSnapshotStore{}
	w := NewCircuitSnapshotWriter(st, 16, "test4", testMetrics(), zap.NewNop())

	w.Enqueue(circuitbreaker.Snapshot{ProviderID: 1, State: circuitbreaker.StateClosed, FailureCount: 1})
	w.Enqueue(circuitbreaker.Snapshot{ProviderID: 1, State: circuitbreaker.StateOpen, FailureCount: 5})
	w.Enqueue(circuitbreaker.Snapshot{ProviderID: 2, State: circuitbreaker.StateClosed})

	w.Stop()

	require.NotEmpty(t, st.calls)
	var total int
	var providerOneFinal *store.CircuitSnapshot
	for _, batch := range st.calls {
		total += len(batch)
		for i := range batch {
			if batch[i].ProviderID == 1 {
				providerOneFinal = &batch[i]
			}
		}
	}
	require.NotNil(t, providerOneFinal)
	assert.Equal(t, "open", providerOneFinal.State)
	assert.Equal(t, 5, providerOneFinal.FailureCount)
}

func TestCircuitSnapshotWriterRetriesOnFailure(t *testing.T) {
	st := &fakeSnapshotStore{}
	w := &CircuitSnapshotWriter{store: st, logger: zap.NewNop(), metrics: testMetrics()}

	callCount := 0
	failingStore := failNTimesStore{n: 2, inner: st, calls: &callCount}
	w.store = &failingStore

	err := w.commitWithRetry([]store.CircuitSnapshot{{ProviderID: 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

type failNTimesStore struct {
	n     int
	calls *int
	inner CircuitSnapshotStore
}

func (f *failNTimesStore) UpsertCircuitSnapshots(ctx context.Context, snapshots []store.CircuitSnapshot) error {
	*f.calls++
	if *f.calls <= f.n {
		return errors.New("database is locked")
	}
	return f.inner.UpsertCircuitSnapshots(ctx, snapshots)
}

func TestCircuitSnapshotWriterStopDrains(t *testing.T) {
	st := &fakeSnapshotStore{}
	w := NewCircuitSnapshotWriter(st, 16, "test5", testMetrics(), zap.NewNop())
	for i := uint64(0); i < 10; i++ {
		w.Enqueue(circuitbreaker.Snapshot{ProviderID: i})
	}
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return: writer failed to drain")
	}
}
