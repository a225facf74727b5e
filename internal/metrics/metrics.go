// Package metrics provides Prometheus metrics for the tile worker.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tile outcomes.
const (
	OutcomeWritten      = "written"
	OutcomeEmpty        = "empty"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeMalformed    = "malformed"
)

// Metrics holds all Prometheus metrics for the tile worker.
type Metrics struct {
	// Tile metrics
	TilesProcessed *prometheus.CounterVec
	TileBytes      *prometheus.HistogramVec
	FetchDuration  *prometheus.HistogramVec
	TileDuration   *prometheus.HistogramVec

	// Rebuild metrics
	Rebuilds        *prometheus.CounterVec
	RebuildDuration *prometheus.HistogramVec

	// Pipeline metrics
	InFlightTiles  prometheus.Gauge
	BatchSize      prometheus.Histogram
	QueueConnected prometheus.Gauge

	// Error metrics
	QueueErrors   *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on the
// default registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(prometheus.DefaultRegisterer, namespace)
	defaultMetrics = m
	return m
}

// New creates metrics registered on reg without touching the global instance.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "tileworker"
	}
	f := promauto.With(reg)

	return &Metrics{
		TilesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_processed_total",
				Help:      "Total number of tile messages processed, by outcome",
			},
			[]string{"dataset", "outcome"},
		),
		TileBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_bytes",
				Help:      "Size of staged tiles in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 14), // 256B to ~2MB
			},
			[]string{"dataset"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_fetch_duration_seconds",
				Help:      "Time to fetch a tile from the database",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"dataset"},
		),
		TileDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_duration_seconds",
				Help:      "Total time to process one tile message",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"dataset"},
		),
		Rebuilds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebuilds_total",
				Help:      "Total number of archive rebuilds, by status",
			},
			[]string{"dataset", "status"},
		),
		RebuildDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rebuild_duration_seconds",
				Help:      "Time spent in the packaging command",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"dataset"},
		),
		InFlightTiles: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_tiles",
				Help:      "Number of tiles currently being processed",
			},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_batch_size",
				Help:      "Number of messages returned per claim",
				Buckets:   prometheus.LinearBuckets(0, 5, 11),
			},
		),
		QueueConnected: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_connected",
				Help:      "1 when the queue client is connected",
			},
		),
		QueueErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_errors_total",
				Help:      "Total number of queue operation errors",
			},
			[]string{"operation"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of tile retries scheduled",
			},
			[]string{"dataset", "stage"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer serves /metrics and /health on address until ctx is done,
// then shuts the server down gracefully.
func StartServer(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Dataset   string
	Outcome   string
	Stage     string
	Operation string
}

// IncTilesProcessed increments the processed counter for l.Outcome.
func (m *Metrics) IncTilesProcessed(l Labels) {
	m.TilesProcessed.WithLabelValues(l.Dataset, l.Outcome).Inc()
}

// ObserveTileBytes records the size of a staged tile.
func (m *Metrics) ObserveTileBytes(l Labels, bytes float64) {
	m.TileBytes.WithLabelValues(l.Dataset).Observe(bytes)
}

// ObserveFetchDuration records the database fetch time.
func (m *Metrics) ObserveFetchDuration(l Labels, seconds float64) {
	m.FetchDuration.WithLabelValues(l.Dataset).Observe(seconds)
}

// ObserveTileDuration records the total per-message processing time.
func (m *Metrics) ObserveTileDuration(l Labels, seconds float64) {
	m.TileDuration.WithLabelValues(l.Dataset).Observe(seconds)
}

// ObserveRebuild counts a rebuild and records its duration.
func (m *Metrics) ObserveRebuild(dataset, status string, seconds float64) {
	m.Rebuilds.WithLabelValues(dataset, status).Inc()
	m.RebuildDuration.WithLabelValues(dataset).Observe(seconds)
}

// SetInFlightTiles sets the number of in-flight tiles.
func (m *Metrics) SetInFlightTiles(count float64) {
	m.InFlightTiles.Set(count)
}

// ObserveBatchSize records the size of a claimed batch.
func (m *Metrics) ObserveBatchSize(n float64) {
	m.BatchSize.Observe(n)
}

// SetQueueConnected records the queue connection state.
func (m *Metrics) SetQueueConnected(connected bool) {
	if connected {
		m.QueueConnected.Set(1)
		return
	}
	m.QueueConnected.Set(0)
}

// IncQueueErrors increments the queue errors counter.
func (m *Metrics) IncQueueErrors(l Labels) {
	m.QueueErrors.WithLabelValues(l.Operation).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Dataset, l.Stage).Inc()
}
