// Package logpipeline implements two buffered, single-consumer log
// writers: the request-log writer and the circuit-breaker snapshot writer.
// Both are bounded MPSC queues with a documented backpressure policy so a
// slow or unavailable store never blocks the request path.
package logpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/store"
)

// enqueueTimeout bounds how long a handler waits for a send slot before
// falling back to try-send/write-through.
const enqueueTimeout = 100 * time.Millisecond

// writeThroughRateLimit caps the write-through path, which commits on the
// caller's goroutine inside Enqueue, so a sudden burst of important,
// backpressured logs can't itself overwhelm the store.
const writeThroughRateLimit = 50 // per second

// Metrics holds the log pipeline's prometheus instruments, shared by both
// writers so the vectors (one series per "queue" label) are registered
// exactly once per process and handed to every component that reports
// through them.
type Metrics struct {
	dropped      *prometheus.CounterVec
	writeThrough *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
}

// NewMetrics registers the log pipeline's instruments against reg (use
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry
// in tests).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_pipeline_dropped_total",
			Help:      "Total log rows dropped by the buffered log pipeline.",
		}, []string{"queue"}),
		writeThrough: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_pipeline_write_through_total",
			Help:      "Total log rows committed via the direct write-through path.",
		}, []string{"queue"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_pipeline_queue_depth",
			Help:      "Current buffered row count per log queue.",
		}, []string{"queue"}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// defaultMetricsFor lazily builds a process-wide Metrics instance the first
// time a writer is constructed without one explicitly supplied.
func defaultMetricsFor(namespace string) *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(namespace, prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// RequestLogStore is the subset of store.Store the request-log writer needs.
type RequestLogStore interface {
	InsertRequestLog(ctx context.Context, row *store.RequestLog) error
}

// RequestLogWriter drains a bounded channel of request-log rows to the
// store, applying a fixed failure-mode matrix: at most one of
// {enqueue, try_send, write-through, drop} happens per row.
type RequestLogWriter struct {
	store   RequestLogStore
	logger  *zap.Logger
	metrics *Metrics

	ch      chan *store.RequestLog
	limiter *rate.Limiter
	closed  chan struct{}
	done    chan struct{}
}

// NewRequestLogWriter starts the writer's single consumer goroutine. bufSize
// is the channel capacity. metrics may be nil to lazily use a process-wide
// default registered against prometheus.DefaultRegisterer.
func NewRequestLogWriter(st RequestLogStore, bufSize int, namespace string, metrics *Metrics, logger *zap.Logger) *RequestLogWriter {
	if bufSize <= 0 {
		bufSize = 256
	}
	if metrics == nil {
		metrics = defaultMetricsFor(namespace)
	}
	w := &RequestLogWriter{
		store:   st,
		logger:  logger.With(zap.String("component", "request_log_writer")),
		metrics: metrics,
		ch:      make(chan *store.RequestLog, bufSize),
		limiter: rate.NewLimiter(rate.Limit(writeThroughRateLimit), writeThroughRateLimit),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.drain()
	return w
}

// important reports whether row must prefer write-through over being
// dropped under backpressure: status >= 400 or a non-null error code.
func important(row *store.RequestLog) bool {
	if row.ErrorCode != nil && *row.ErrorCode != "" {
		return true
	}
	return row.Status != nil && *row.Status >= 400
}

// Enqueue runs the fixed send sequence: await a send slot with a 100ms
// timeout; on timeout try a single non-blocking send; if the channel is
// still full, write through directly for important rows (rate-limited) or
// drop and gauge the row otherwise. A closed channel always falls back to
// write-through unconditionally.
func (w *RequestLogWriter) Enqueue(ctx context.Context, row *store.RequestLog) {
	select {
	case <-w.closed:
		w.writeThrough(ctx, row, gwerr.RequestLogChannelClosed)
		return
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case w.ch <- row:
		w.metrics.queueDepth.WithLabelValues("request_log").Set(float64(len(w.ch)))
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	select {
	case w.ch <- row:
		w.metrics.queueDepth.WithLabelValues("request_log").Set(float64(len(w.ch)))
		return
	default:
	}

	if important(row) {
		w.writeThrough(ctx, row, gwerr.RequestLogEnqueueTimeout)
		return
	}

	w.metrics.dropped.WithLabelValues("request_log").Inc()
	w.logger.Warn("request log dropped under backpressure",
		zap.String("trace_id", row.TraceID), zap.String("reason", string(gwerr.RequestLogDropped)))
}

func (w *RequestLogWriter) writeThrough(ctx context.Context, row *store.RequestLog, reason gwerr.Code) {
	if !w.limiter.Allow() {
		w.metrics.dropped.WithLabelValues("request_log").Inc()
		w.logger.Warn("request log write-through rate limited, dropping",
			zap.String("trace_id", row.TraceID), zap.String("reason", string(gwerr.RequestLogWriteThroughRateLimited)))
		return
	}
	w.metrics.writeThrough.WithLabelValues("request_log").Inc()
	if err := w.store.InsertRequestLog(ctx, row); err != nil {
		w.logger.Error("request log write-through failed",
			zap.String("trace_id", row.TraceID), zap.String("reason", string(reason)), zap.Error(err))
	}
}

func (w *RequestLogWriter) drain() {
	defer close(w.done)
	for row := range w.ch {
		w.metrics.queueDepth.WithLabelValues("request_log").Set(float64(len(w.ch)))
		if err := w.store.InsertRequestLog(context.Background(), row); err != nil {
			w.logger.Error("request log insert failed", zap.String("trace_id", row.TraceID), zap.Error(err))
		}
	}
}

// Stop closes the queue and blocks until the consumer has drained every
// already-enqueued row; both writers must drain on shutdown before the
// server exits.
func (w *RequestLogWriter) Stop() {
	close(w.closed)
	close(w.ch)
	<-w.done
}

// CircuitSnapshotStore is the subset of store.Store the snapshot writer needs.
type CircuitSnapshotStore interface {
	UpsertCircuitSnapshots(ctx context.Context, snapshots []store.CircuitSnapshot) error
}

const (
	snapshotBatchSize  = 200
	snapshotRetryBase  = 20 * time.Millisecond
	snapshotRetryCap   = 400 * time.Millisecond
	snapshotRetryTries = 6
)

// CircuitSnapshotWriter implements circuitbreaker.SnapshotSink, batching
// snapshot upserts up to snapshotBatchSize per commit with a bounded
// exponential-backoff retry on a busy/locked store. Duplicate provider
// IDs within a batch collapse to the latest.
type CircuitSnapshotWriter struct {
	store   CircuitSnapshotStore
	logger  *zap.Logger
	metrics *Metrics

	ch     chan circuitbreaker.Snapshot
	closed chan struct{}
	done   chan struct{}
}

// NewCircuitSnapshotWriter starts the writer's single consumer goroutine.
// metrics may be nil to lazily use the same process-wide default the
// request-log writer falls back to.
func NewCircuitSnapshotWriter(st CircuitSnapshotStore, bufSize int, namespace string, metrics *Metrics, logger *zap.Logger) *CircuitSnapshotWriter {
	if bufSize <= 0 {
		bufSize = 512
	}
	if metrics == nil {
		metrics = defaultMetricsFor(namespace)
	}
	w := &CircuitSnapshotWriter{
		store:   st,
		logger:  logger.With(zap.String("component", "circuit_snapshot_writer")),
		metrics: metrics,
		ch:      make(chan circuitbreaker.Snapshot, bufSize),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.drain()
	return w
}

// Enqueue implements circuitbreaker.SnapshotSink. A full queue drops the
// snapshot rather than blocking the breaker's caller — the in-memory
// breaker state is always authoritative for routing decisions; only
// persistence for restart-recovery is at stake.
func (w *CircuitSnapshotWriter) Enqueue(snap circuitbreaker.Snapshot) {
	select {
	case <-w.closed:
		return
	default:
	}
	select {
	case w.ch <- snap:
		w.metrics.queueDepth.WithLabelValues("circuit_snapshot").Set(float64(len(w.ch)))
	default:
		w.metrics.dropped.WithLabelValues("circuit_snapshot").Inc()
		w.logger.Warn("circuit snapshot dropped under backpressure",
			zap.Uint64("provider_id", snap.ProviderID), zap.String("reason", string(gwerr.AttemptLogDropped)))
	}
}

func (w *CircuitSnapshotWriter) drain() {
	defer close(w.done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	batch := make(map[uint64]circuitbreaker.Snapshot, snapshotBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := toRows(batch)
		if err := w.commitWithRetry(rows); err != nil {
			w.logger.Error("circuit snapshot batch commit failed", zap.Int("rows", len(rows)), zap.Error(err))
		}
		batch = make(map[uint64]circuitbreaker.Snapshot, snapshotBatchSize)
	}

	for {
		select {
		case snap, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch[snap.ProviderID] = snap // last write for this provider in the batch wins
			w.metrics.queueDepth.WithLabelValues("circuit_snapshot").Set(float64(len(w.ch)))
			if len(batch) >= snapshotBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func toRows(batch map[uint64]circuitbreaker.Snapshot) []store.CircuitSnapshot {
	rows := make([]store.CircuitSnapshot, 0, len(batch))
	for _, s := range batch {
		rows = append(rows, store.CircuitSnapshot{
			ProviderID:   s.ProviderID,
			State:        s.State.String(),
			FailureCount: s.FailureCount,
			OpenUntil:    s.OpenUntil,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	return rows
}

// commitWithRetry retries a busy/locked store error with exponential
// backoff (20ms base, 400ms cap, 6 attempts).
func (w *CircuitSnapshotWriter) commitWithRetry(rows []store.CircuitSnapshot) error {
	var lastErr error
	delay := snapshotRetryBase
	for attempt := 0; attempt < snapshotRetryTries; attempt++ {
		err := w.store.UpsertCircuitSnapshots(context.Background(), rows)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(delay)
		delay *= 2
		if delay > snapshotRetryCap {
			delay = snapshotRetryCap
		}
	}
	return lastErr
}

// Stop closes the queue and blocks until the consumer has flushed every
// already-enqueued snapshot.
func (w *CircuitSnapshotWriter) Stop() {
	close(w.closed)
	close(w.ch)
	<-w.done
}
