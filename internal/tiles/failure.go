package tiles

import (
	"strconv"
	"time"
)

// Failure types recorded on the failure stream.
const (
	FailureTile    = "tile_failure"
	FailureRebuild = "rebuild_failure"
)

// FailureRecord is an append-only audit entry for a dead-lettered request or
// a failed rebuild.
type FailureRecord struct {
	Type     string
	Shard    string // "dataset:shardId"
	HasTile  bool
	Z, X, Y  uint32
	Error    string
	Attempts int
	Time     time.Time
}

// TileFailure builds the record for a request that exhausted its retries.
func TileFailure(req BuildRequest, err error, attempts int, at time.Time) FailureRecord {
	rec := FailureRecord{
		Type:     FailureTile,
		Shard:    req.ShardKey().String(),
		HasTile:  true,
		Z:        req.Z,
		X:        req.X,
		Y:        req.Y,
		Attempts: attempts,
		Time:     at,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// RebuildFailure builds the record for a failed packaging run.
func RebuildFailure(key ShardKey, err error, at time.Time) FailureRecord {
	rec := FailureRecord{
		Type:  FailureRebuild,
		Shard: key.String(),
		Time:  at,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// Values renders the record as failure-stream fields. Coordinates and
// attempts are only present on tile failures.
func (f FailureRecord) Values() map[string]any {
	v := map[string]any{
		"type":  f.Type,
		"shard": f.Shard,
		"error": f.Error,
		"time":  f.Time.UTC().Format(time.RFC3339Nano),
	}
	if f.Type == FailureTile {
		if f.HasTile {
			v["z"] = strconv.FormatUint(uint64(f.Z), 10)
			v["x"] = strconv.FormatUint(uint64(f.X), 10)
			v["y"] = strconv.FormatUint(uint64(f.Y), 10)
		}
		v["attempts"] = strconv.Itoa(f.Attempts)
	}
	return v
}
