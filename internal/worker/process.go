package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/queue"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/storage"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// Processing stages, used in errors, logs and retry metrics.
const (
	stageValidate = "validate"
	stageFetch    = "fetch"
	stageWrite    = "write"
	stageProgress = "progress"
)

// stageError attributes a processing failure to the stage that produced it.
type stageError struct {
	stage     string
	permanent bool
	err       error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// handle runs one message through the processing state machine and always
// ends with the message retired, requeued or dead-lettered. If a queue write
// fails the message is left pending for reclaim instead of being retired.
func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	start := time.Now()

	req, err := tiles.ParseRequest(msg.Values)
	if err != nil {
		w.deadLetterMalformed(ctx, msg, err)
		return
	}

	log := logging.TileLogger(logging.GenerateCorrelationID(), req.ShardKey().String(), req.Z, req.X, req.Y, req.Attempt).
		With("message_id", msg.ID)
	labels := metrics.Labels{Dataset: req.Dataset}

	written, err := w.process(ctx, log, req)
	if err != nil {
		w.fail(ctx, log, msg.ID, req, err)
		return
	}

	if w.retire(ctx, log, msg.ID) {
		outcome := metrics.OutcomeEmpty
		if written {
			outcome = metrics.OutcomeWritten
		}
		log.Debug("tile processed", "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
		if m := metrics.Get(); m != nil {
			labels.Outcome = outcome
			m.IncTilesProcessed(labels)
			m.ObserveTileDuration(labels, time.Since(start).Seconds())
		}
	}
}

// process validates, fetches, stages and records one tile. It reports
// whether a non-empty tile was written.
func (w *Worker) process(ctx context.Context, log *slog.Logger, req tiles.BuildRequest) (bool, error) {
	if err := w.deps.Validator.Validate(req); err != nil {
		return false, &stageError{stage: stageValidate, permanent: w.cfg.ValidationDeadLetter, err: err}
	}

	data, err := w.fetch(ctx, req)
	if err != nil {
		return false, &stageError{stage: stageFetch, err: err}
	}

	written := len(data) > 0
	if written {
		ref := storage.TileRef{Dataset: req.Dataset, ShardID: req.ShardID, Z: req.Z, X: req.X, Y: req.Y}
		if err := w.deps.Store.WriteTile(ctx, ref, data); err != nil {
			return false, &stageError{stage: stageWrite, err: err}
		}
		if m := metrics.Get(); m != nil {
			m.ObserveTileBytes(metrics.Labels{Dataset: req.Dataset}, float64(len(data)))
		}
		log.Debug("tile staged", "bytes", len(data))
	}

	if err := w.recordProgress(ctx, log, req, written); err != nil {
		return written, &stageError{stage: stageProgress, err: err}
	}
	return written, nil
}

func (w *Worker) fetch(ctx context.Context, req tiles.BuildRequest) ([]byte, error) {
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	data, err := w.deps.Fetcher.Fetch(ctx, req.Dataset, req.Z, req.X, req.Y)
	if m := metrics.Get(); m != nil {
		m.ObserveFetchDuration(metrics.Labels{Dataset: req.Dataset}, time.Since(start).Seconds())
	}
	return data, err
}

// recordProgress applies the tile to its shard and evaluates the rebuild
// condition on the snapshot read inside the same transaction.
func (w *Worker) recordProgress(ctx context.Context, log *slog.Logger, req tiles.BuildRequest, written bool) error {
	snap, err := w.deps.Progress.Record(ctx, req.ShardKey(), progress.Update{
		Z:       req.Z,
		X:       req.X,
		Y:       req.Y,
		Written: written,
		At:      w.now(),
	})
	if err != nil {
		return err
	}
	if w.deps.Rebuilder.Maybe(ctx, snap) {
		log.Info("rebuild triggered",
			"completed", snap.Completed,
			"pending", snap.Pending,
			"total", snap.Total,
		)
	}
	return nil
}

// fail routes a failed attempt to the retry path or the failure stream.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, id string, req tiles.BuildRequest, cause error) {
	stage := "unknown"
	permanent := false
	var se *stageError
	if errors.As(cause, &se) {
		stage = se.stage
		permanent = se.permanent
	}

	next := req.Retry(cause)
	if permanent || next.Attempt > w.cfg.MaxAttempts {
		w.deadLetter(ctx, log, id, req, next.Attempt, cause, stage != stageValidate)
		return
	}

	delay := tiles.RetryDelay(req.Attempt)
	log.Warn("tile failed, scheduling retry",
		"stage", stage,
		"error", cause,
		"next_attempt", next.Attempt,
		"delay", delay,
	)
	if m := metrics.Get(); m != nil {
		m.IncRetryAttempts(metrics.Labels{Dataset: req.Dataset, Stage: stage})
	}

	w.sleep(ctx, delay)

	newID, err := w.deps.Queue.Enqueue(ctx, next)
	if err != nil {
		log.Error("requeue failed, leaving message pending", "error", err)
		w.queueError("enqueue")
		return
	}

	if w.retire(ctx, log, id) {
		log.Info("tile requeued", "new_message_id", newID, "attempt", next.Attempt)
		if m := metrics.Get(); m != nil {
			m.IncTilesProcessed(metrics.Labels{Dataset: req.Dataset, Outcome: metrics.OutcomeRequeued})
		}
	}
}

// deadLetter records a tile_failure and retires the message. When count is
// set the tile is also counted as completed but not written so the shard can
// still reach its total. Requests that failed validation have no shard of
// their own to count against.
func (w *Worker) deadLetter(ctx context.Context, log *slog.Logger, id string, req tiles.BuildRequest, attempts int, cause error, count bool) {
	rec := tiles.TileFailure(req, cause, attempts, w.now())
	if err := w.deps.Queue.AppendFailure(ctx, rec); err != nil {
		log.Error("append tile failure failed, leaving message pending", "error", err)
		w.queueError("append_failure")
		return
	}
	log.Error("tile dead-lettered", "attempts", attempts, "error", cause)

	if count {
		if err := w.recordProgress(ctx, log, req, false); err != nil {
			log.Error("failed to count dead-lettered tile", "error", err)
		}
	}

	if w.retire(ctx, log, id) {
		if m := metrics.Get(); m != nil {
			m.IncTilesProcessed(metrics.Labels{Dataset: req.Dataset, Outcome: metrics.OutcomeDeadLettered})
		}
	}
}

// deadLetterMalformed handles records that cannot be parsed into a request.
// They are never retried and never reach a progress record.
func (w *Worker) deadLetterMalformed(ctx context.Context, msg queue.Message, cause error) {
	log := w.log.With("message_id", msg.ID)

	rec := tiles.FailureRecord{
		Type:  tiles.FailureTile,
		Shard: fmt.Sprintf("%v:%v", valueOrEmpty(msg.Values["dataset"]), valueOrEmpty(msg.Values["shard"])),
		Error: cause.Error(),
		Time:  w.now(),
	}
	if err := w.deps.Queue.AppendFailure(ctx, rec); err != nil {
		log.Error("append malformed failure failed, leaving message pending", "error", err)
		w.queueError("append_failure")
		return
	}
	log.Warn("malformed message dead-lettered", "error", cause, "values", msg.Values)

	if w.retire(ctx, log, msg.ID) {
		if m := metrics.Get(); m != nil {
			m.IncTilesProcessed(metrics.Labels{Outcome: metrics.OutcomeMalformed})
		}
	}
}

func (w *Worker) retire(ctx context.Context, log *slog.Logger, id string) bool {
	if err := w.deps.Queue.Retire(ctx, id); err != nil {
		log.Error("retire failed, message stays pending", "error", err)
		w.queueError("retire")
		return false
	}
	return true
}

func valueOrEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}
