// Package rebuild spawns archive packaging for shards that have accumulated
// enough staged work or are complete.
package rebuild

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// ErrInFlight is returned when a rebuild for the shard is already running in
// this process.
var ErrInFlight = errors.New("rebuild already in flight")

// ErrLeaseHeld is returned when another process holds the shard's rebuild
// lease.
var ErrLeaseHeld = errors.New("rebuild lease held by another process")

// ProgressMarker records rebuild outcomes on the shard's progress record.
type ProgressMarker interface {
	MarkRebuildSucceeded(ctx context.Context, k tiles.ShardKey, at time.Time, complete bool) error
	MarkRebuildFailed(ctx context.Context, k tiles.ShardKey, at time.Time, err error) error
}

// FailureSink receives rebuild_failure records.
type FailureSink interface {
	AppendFailure(ctx context.Context, rec tiles.FailureRecord) error
}

// Leaser provides cross-process mutual exclusion per shard.
type Leaser interface {
	AcquireLease(ctx context.Context, k tiles.ShardKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, k tiles.ShardKey, owner string) error
}

// Config configures the trigger.
type Config struct {
	Interval  int64 // pending tiles that trigger a rebuild
	OutputDir string
	Upload    bool

	// Lease settings, used only when a Leaser is set.
	LeaseOwner string
	LeaseTTL   time.Duration
}

// Trigger runs at most one rebuild per shard key at a time in this process.
type Trigger struct {
	cfg      Config
	runner   Runner
	marker   ProgressMarker
	failures FailureSink
	lease    Leaser
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	inFlight map[tiles.ShardKey]struct{}
	// rerun holds shards whose completion crossing arrived while a rebuild
	// was in flight.
	rerun map[tiles.ShardKey]struct{}
	wg    sync.WaitGroup
}

// Option customizes a Trigger.
type Option func(*Trigger)

// WithLease enables the distributed rebuild lease.
func WithLease(l Leaser) Option {
	return func(t *Trigger) { t.lease = l }
}

// WithClock overrides the clock used for rebuild timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// New creates a trigger.
func New(cfg Config, runner Runner, marker ProgressMarker, failures FailureSink, opts ...Option) *Trigger {
	t := &Trigger{
		cfg:      cfg,
		runner:   runner,
		marker:   marker,
		failures: failures,
		now:      time.Now,
		log:      slog.With("component", "rebuild"),
		inFlight: make(map[tiles.ShardKey]struct{}),
		rerun:    make(map[tiles.ShardKey]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Maybe starts a rebuild when the snapshot crosses the pending interval or
// shows the shard complete. It reports whether a rebuild was started.
func (t *Trigger) Maybe(ctx context.Context, snap progress.Snapshot) bool {
	due, complete := snap.RebuildDue(t.cfg.Interval)
	if !due {
		return false
	}
	return t.Start(ctx, snap.Key, complete)
}

// Start launches a rebuild in the background unless one is already in flight
// for the key. A completion crossing that finds the shard busy is queued and
// runs as a complete rebuild once the current one finishes. The rebuild is
// detached from ctx cancellation so shutdown waits for it through Wait
// instead of killing the packager.
func (t *Trigger) Start(ctx context.Context, key tiles.ShardKey, complete bool) bool {
	if !t.acquire(key) {
		if complete {
			t.mu.Lock()
			t.rerun[key] = struct{}{}
			t.mu.Unlock()
			t.log.Info("rebuild in flight, completion rebuild queued", "shard", key.String())
		} else {
			t.log.Debug("rebuild already in flight", "shard", key.String())
		}
		return false
	}

	runCtx := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			if err := t.run(runCtx, key, complete); err != nil && !errors.Is(err, ErrLeaseHeld) {
				t.log.Warn("rebuild failed", "shard", key.String(), "error", err)
			}
			if !t.releaseOrRerun(key) {
				return
			}
			complete = true
		}
	}()
	return true
}

// Rebuild runs a rebuild synchronously. It returns ErrInFlight if another
// rebuild of the shard is running in this process.
func (t *Trigger) Rebuild(ctx context.Context, key tiles.ShardKey, complete bool) error {
	if !t.acquire(key) {
		return ErrInFlight
	}
	defer t.release(key)
	return t.run(ctx, key, complete)
}

// Wait blocks until all background rebuilds have finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// InFlight reports whether a rebuild of key is running in this process.
func (t *Trigger) InFlight(key tiles.ShardKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[key]
	return ok
}

func (t *Trigger) acquire(key tiles.ShardKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inFlight[key]; busy {
		return false
	}
	t.inFlight[key] = struct{}{}
	return true
}

func (t *Trigger) release(key tiles.ShardKey) {
	t.mu.Lock()
	delete(t.inFlight, key)
	delete(t.rerun, key)
	t.mu.Unlock()
}

// releaseOrRerun keeps the shard in flight and reports true when a completion
// rebuild was queued during the last run. Otherwise it releases the shard.
func (t *Trigger) releaseOrRerun(key tiles.ShardKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rerun[key]; ok {
		delete(t.rerun, key)
		return true
	}
	delete(t.inFlight, key)
	return false
}

// run performs one rebuild with the in-process lock held.
func (t *Trigger) run(ctx context.Context, key tiles.ShardKey, complete bool) error {
	log := t.log.With("shard", key.String(), "complete", complete)

	if t.lease != nil {
		ok, err := t.lease.AcquireLease(ctx, key, t.cfg.LeaseOwner, t.cfg.LeaseTTL)
		if err != nil {
			// Without the lease another process may package concurrently;
			// the pending counter is untouched so a later crossing retries.
			return t.fail(ctx, log, key, err)
		}
		if !ok {
			log.Info("skipping rebuild, lease held elsewhere")
			return ErrLeaseHeld
		}
		defer func() {
			if err := t.lease.ReleaseLease(ctx, key, t.cfg.LeaseOwner); err != nil {
				log.Warn("failed to release rebuild lease", "error", err)
			}
		}()
	}

	log.Info("starting rebuild", "upload", t.cfg.Upload)
	start := time.Now()

	err := t.runner.Run(ctx, Job{
		Shard:     key,
		OutputDir: t.cfg.OutputDir,
		Upload:    t.cfg.Upload,
	})
	elapsed := time.Since(start)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.ObserveRebuild(key.Dataset, progress.RebuildFailed, elapsed.Seconds())
		}
		return t.fail(ctx, log, key, err)
	}

	if m := metrics.Get(); m != nil {
		m.ObserveRebuild(key.Dataset, progress.RebuildSuccess, elapsed.Seconds())
	}

	if err := t.marker.MarkRebuildSucceeded(ctx, key, t.now(), complete); err != nil {
		log.Error("rebuild succeeded but progress was not updated", "error", err)
		return err
	}

	log.Info("rebuild complete", "duration_ms", elapsed.Milliseconds())
	return nil
}

// fail records a rebuild failure on the failure stream and progress record.
func (t *Trigger) fail(ctx context.Context, log *slog.Logger, key tiles.ShardKey, rebuildErr error) error {
	at := t.now()
	log.Error("rebuild failed", "error", rebuildErr)

	if err := t.failures.AppendFailure(ctx, tiles.RebuildFailure(key, rebuildErr, at)); err != nil {
		log.Error("failed to append rebuild failure record", "error", err)
	}
	if err := t.marker.MarkRebuildFailed(ctx, key, at, rebuildErr); err != nil {
		log.Error("failed to record rebuild failure", "error", err)
	}
	return rebuildErr
}
