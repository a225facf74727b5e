// Package progress keeps per-shard completion counters in Redis hashes
// shared by every worker process.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// Hash fields of a progress record.
const (
	FieldCompleted         = "completed_tiles"
	FieldWritten           = "tiles_written"
	FieldPending           = "pending_since_rebuild"
	FieldTotal             = "total_tiles"
	FieldLastZ             = "last_z"
	FieldLastX             = "last_x"
	FieldLastY             = "last_y"
	FieldLastUpdatedAt     = "last_updated_at"
	FieldStatus            = "status"
	FieldLastRebuildAt     = "last_rebuild_at"
	FieldLastRebuildStatus = "last_rebuild_status"
	FieldLastRebuildError  = "last_rebuild_error"
)

// Status values.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"

	RebuildSuccess = "success"
	RebuildFailed  = "failed"
)

// Update describes one processed tile.
type Update struct {
	Z, X, Y uint32
	Written bool
	At      time.Time
}

// Snapshot is the counter state read back inside the update transaction.
type Snapshot struct {
	Key       tiles.ShardKey
	Completed int64
	Written   int64
	Pending   int64
	Total     int64
}

// RebuildDue reports whether a rebuild should be triggered and whether the
// shard is complete. Completion is independent of the interval.
func (s Snapshot) RebuildDue(interval int64) (due, complete bool) {
	complete = s.Total > 0 && s.Completed >= s.Total
	due = complete || (interval > 0 && s.Pending >= interval)
	return due, complete
}

// Record is a full progress record as stored.
type Record struct {
	Snapshot
	LastZ, LastX, LastY uint32
	LastUpdatedAt       time.Time
	Status              string
	LastRebuildAt       time.Time
	LastRebuildStatus   string
	LastRebuildError    string
}

// Store reads and mutates progress records.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// NewStore creates a store writing keys under prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Key returns the hash key for a shard: {prefix}:{dataset}:{shardId}.
func (s *Store) Key(k tiles.ShardKey) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, k.Dataset, k.ShardID)
}

func (s *Store) leaseKey(k tiles.ShardKey) string {
	return s.Key(k) + ":rebuild-lock"
}

// Record applies one processed tile to the shard's counters in a single
// MULTI/EXEC transaction and returns the counters as of that transaction.
func (s *Store) Record(ctx context.Context, k tiles.ShardKey, u Update) (Snapshot, error) {
	key := s.Key(k)
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	var read *redis.SliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, FieldCompleted, 1)
		if u.Written {
			pipe.HIncrBy(ctx, key, FieldWritten, 1)
		}
		pipe.HIncrBy(ctx, key, FieldPending, 1)
		pipe.HSet(ctx, key,
			FieldLastZ, u.Z,
			FieldLastX, u.X,
			FieldLastY, u.Y,
			FieldLastUpdatedAt, formatTime(at),
			FieldStatus, StatusRunning,
		)
		read = pipe.HMGet(ctx, key, FieldCompleted, FieldWritten, FieldPending, FieldTotal)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("update progress %s: %w", key, err)
	}

	vals := read.Val()
	return Snapshot{
		Key:       k,
		Completed: toInt(vals[0]),
		Written:   toInt(vals[1]),
		Pending:   toInt(vals[2]),
		Total:     toInt(vals[3]),
	}, nil
}

// Get reads a shard's progress record. A missing record is returned zeroed.
func (s *Store) Get(ctx context.Context, k tiles.ShardKey) (Record, error) {
	key := s.Key(k)
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read progress %s: %w", key, err)
	}

	return Record{
		Snapshot: Snapshot{
			Key:       k,
			Completed: toInt(m[FieldCompleted]),
			Written:   toInt(m[FieldWritten]),
			Pending:   toInt(m[FieldPending]),
			Total:     toInt(m[FieldTotal]),
		},
		LastZ:             uint32(toInt(m[FieldLastZ])),
		LastX:             uint32(toInt(m[FieldLastX])),
		LastY:             uint32(toInt(m[FieldLastY])),
		LastUpdatedAt:     parseTime(m[FieldLastUpdatedAt]),
		Status:            m[FieldStatus],
		LastRebuildAt:     parseTime(m[FieldLastRebuildAt]),
		LastRebuildStatus: m[FieldLastRebuildStatus],
		LastRebuildError:  m[FieldLastRebuildError],
	}, nil
}

// SetTotal sets the known tile target of a shard.
func (s *Store) SetTotal(ctx context.Context, k tiles.ShardKey, total int64) error {
	if total < 0 {
		return errors.New("total must not be negative")
	}
	if err := s.client.HSet(ctx, s.Key(k), FieldTotal, total).Err(); err != nil {
		return fmt.Errorf("set total for %s: %w", k, err)
	}
	return nil
}

// SeedTotals writes the tile target of every shard in totals in one
// transaction. A configured total replaces one set by hand.
func (s *Store) SeedTotals(ctx context.Context, totals map[tiles.ShardKey]int64) error {
	if len(totals) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, total := range totals {
			if total < 0 {
				return fmt.Errorf("negative total for %s", k)
			}
			pipe.HSet(ctx, s.Key(k), FieldTotal, total)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed shard totals: %w", err)
	}
	return nil
}

// MarkRebuildSucceeded resets the pending counter and records the rebuild.
// The shard is marked complete when complete is set.
func (s *Store) MarkRebuildSucceeded(ctx context.Context, k tiles.ShardKey, at time.Time, complete bool) error {
	key := s.Key(k)
	fields := []any{
		FieldPending, 0,
		FieldLastRebuildAt, formatTime(at),
		FieldLastRebuildStatus, RebuildSuccess,
		FieldLastRebuildError, "",
	}
	if complete {
		fields = append(fields, FieldStatus, StatusComplete)
	}
	if err := s.client.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("record rebuild success for %s: %w", key, err)
	}
	return nil
}

// MarkRebuildFailed records a failed rebuild. The pending counter is kept so
// the next threshold crossing retries.
func (s *Store) MarkRebuildFailed(ctx context.Context, k tiles.ShardKey, at time.Time, rebuildErr error) error {
	key := s.Key(k)
	msg := ""
	if rebuildErr != nil {
		msg = rebuildErr.Error()
	}
	err := s.client.HSet(ctx, key,
		FieldLastRebuildAt, formatTime(at),
		FieldLastRebuildStatus, RebuildFailed,
		FieldLastRebuildError, msg,
	).Err()
	if err != nil {
		return fmt.Errorf("record rebuild failure for %s: %w", key, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case int64:
		return x
	default:
		return 0
	}
}
