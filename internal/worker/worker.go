// Package worker claims tile-build requests from the job queue, renders and
// stages each tile, records shard progress and triggers archive rebuilds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/queue"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/storage"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Queue is the subset of the job queue used by the worker.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	EnsureConnected(ctx context.Context) error
	Claim(ctx context.Context, count int64, block time.Duration) ([]queue.Message, error)
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]queue.Message, error)
	Retire(ctx context.Context, id string) error
	Enqueue(ctx context.Context, req tiles.BuildRequest) (string, error)
	AppendFailure(ctx context.Context, rec tiles.FailureRecord) error
	Consumer() string
}

// Validator checks a request against the shard registry.
type Validator interface {
	Validate(req tiles.BuildRequest) error
}

// ProgressRecorder applies a processed tile to its shard's counters.
type ProgressRecorder interface {
	Record(ctx context.Context, k tiles.ShardKey, u progress.Update) (progress.Snapshot, error)
}

// Rebuilder starts rebuilds when a snapshot crosses the trigger condition.
type Rebuilder interface {
	Maybe(ctx context.Context, snap progress.Snapshot) bool
	Wait()
}

// Config controls claiming, concurrency and retries.
type Config struct {
	MaxAttempts          int
	BatchCount           int64
	Block                time.Duration
	Concurrency          int
	ReclaimIdle          time.Duration // 0 disables reclaiming
	ValidationDeadLetter bool
	FetchTimeout         time.Duration // 0 means no per-fetch timeout
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Queue     Queue
	Validator Validator
	Fetcher   fetcher.Fetcher
	Store     storage.StagingStore
	Progress  ProgressRecorder
	Rebuilder Rebuilder
}

// errorPause is how long the loop waits after a failed claim before trying
// again.
const errorPause = time.Second

// Worker runs the claim → process → retire loop.
type Worker struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	// sleep waits out a retry backoff. now stamps progress and failures.
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time

	inFlight atomic.Int64
}

// New validates the configuration and creates a worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("worker: queue is required")
	case deps.Validator == nil:
		return nil, errors.New("worker: validator is required")
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Store == nil:
		return nil, errors.New("worker: staging store is required")
	case deps.Progress == nil:
		return nil, errors.New("worker: progress store is required")
	case deps.Rebuilder == nil:
		return nil, errors.New("worker: rebuilder is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchCount < 1 {
		cfg.BatchCount = 10
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Worker{
		cfg:   cfg,
		deps:  deps,
		log:   logging.WorkerLogger(deps.Queue.Consumer()).With("component", "worker"),
		sleep: sleepContext,
		now:   time.Now,
	}, nil
}

// Run consumes the queue until ctx is cancelled. Cancellation stops claiming;
// the current batch and any running rebuilds finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.deps.Queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	w.log.Info("worker started",
		"concurrency", w.cfg.Concurrency,
		"batch_count", w.cfg.BatchCount,
		"max_attempts", w.cfg.MaxAttempts,
	)

	sem := make(chan struct{}, w.cfg.Concurrency)

	for ctx.Err() == nil {
		if err := w.deps.Queue.EnsureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Warn("queue unavailable", "error", err)
			w.queueError("connect")
			continue
		}
		if m := metrics.Get(); m != nil {
			m.SetQueueConnected(true)
		}

		msgs, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Warn("claim failed", "error", err)
			w.queueError("claim")
			sleepContext(ctx, errorPause)
			continue
		}
		if m := metrics.Get(); m != nil {
			m.ObserveBatchSize(float64(len(msgs)))
		}
		if len(msgs) == 0 {
			continue
		}

		w.processBatch(ctx, sem, msgs)
	}

	w.log.Info("shutting down, waiting for rebuilds")
	w.deps.Rebuilder.Wait()
	w.log.Info("worker stopped")
	return nil
}

// claim prefers abandoned deliveries when reclaiming is enabled.
func (w *Worker) claim(ctx context.Context) ([]queue.Message, error) {
	if w.cfg.ReclaimIdle > 0 {
		msgs, err := w.deps.Queue.Reclaim(ctx, w.cfg.ReclaimIdle, w.cfg.BatchCount)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			w.log.Info("reclaimed abandoned messages", "count", len(msgs))
			return msgs, nil
		}
	}
	return w.deps.Queue.Claim(ctx, w.cfg.BatchCount, w.cfg.Block)
}

// processBatch runs every message of the batch through the concurrency gate
// and waits for all of them. Tasks run detached from ctx so shutdown never
// abandons a tile mid-flight.
func (w *Worker) processBatch(ctx context.Context, sem chan struct{}, msgs []queue.Message) {
	taskCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, msg := range msgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(msg queue.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			w.trackInFlight(1)
			defer w.trackInFlight(-1)

			w.handle(taskCtx, msg)
		}(msg)
	}
	wg.Wait()
}

func (w *Worker) trackInFlight(delta int64) {
	n := w.inFlight.Add(delta)
	if m := metrics.Get(); m != nil {
		m.SetInFlightTiles(float64(n))
	}
}

func (w *Worker) queueError(op string) {
	if m := metrics.Get(); m != nil {
		m.IncQueueErrors(metrics.Labels{Operation: op})
		m.SetQueueConnected(false)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
