// Package tiles defines the typed records exchanged over the build and
// failure streams.
package tiles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

// ErrMalformed is returned when a stream record cannot be parsed into a
// BuildRequest.
var ErrMalformed = errors.New("malformed build request")

// MaxZoom is the deepest zoom level a request may address.
const MaxZoom = 24

// ShardKey identifies a shard of a dataset.
type ShardKey struct {
	Dataset string
	ShardID string
}

// String returns the "dataset:shardId" form used in failure records and
// packaging filters.
func (k ShardKey) String() string {
	return k.Dataset + ":" + k.ShardID
}

// BuildRequest is a single tile-build request read from the build stream.
// Attempt and Error are retry metadata and not part of the identity.
type BuildRequest struct {
	Dataset string
	ShardID string
	Z       uint32
	X       uint32
	Y       uint32
	Attempt int
	Error   string
}

// ShardKey returns the shard owning this request.
func (r BuildRequest) ShardKey() ShardKey {
	return ShardKey{Dataset: r.Dataset, ShardID: r.ShardID}
}

// Key returns the logical identity of the request.
func (r BuildRequest) Key() string {
	return fmt.Sprintf("%s:%s/%d/%d/%d", r.Dataset, r.ShardID, r.Z, r.X, r.Y)
}

// Tile returns the request coordinates as a map tile.
func (r BuildRequest) Tile() maptile.Tile {
	return maptile.New(r.X, r.Y, maptile.Zoom(r.Z))
}

// Retry returns a copy of the request for the next attempt, carrying the
// last error.
func (r BuildRequest) Retry(err error) BuildRequest {
	next := r
	next.Attempt = r.Attempt + 1
	if err != nil {
		next.Error = err.Error()
	}
	return next
}

// Values renders the request as a stream record. All values are text.
func (r BuildRequest) Values() map[string]any {
	v := map[string]any{
		"dataset": r.Dataset,
		"shard":   r.ShardID,
		"z":       strconv.FormatUint(uint64(r.Z), 10),
		"x":       strconv.FormatUint(uint64(r.X), 10),
		"y":       strconv.FormatUint(uint64(r.Y), 10),
		"attempt": strconv.Itoa(r.Attempt),
	}
	if r.Error != "" {
		v["error"] = r.Error
	}
	return v
}

// ParseRequest converts a raw stream record into a BuildRequest. Any missing
// identity field, non-numeric coordinate or coordinate outside the zoom
// level's tile grid yields an error wrapping ErrMalformed.
func ParseRequest(values map[string]any) (BuildRequest, error) {
	var req BuildRequest

	req.Dataset = field(values, "dataset")
	req.ShardID = field(values, "shard")
	if req.Dataset == "" {
		return req, fmt.Errorf("%w: missing dataset", ErrMalformed)
	}
	if req.ShardID == "" {
		return req, fmt.Errorf("%w: missing shard", ErrMalformed)
	}

	var err error
	if req.Z, err = parseCoord(values, "z"); err != nil {
		return req, err
	}
	if req.Z > MaxZoom {
		return req, fmt.Errorf("%w: zoom %d exceeds %d", ErrMalformed, req.Z, MaxZoom)
	}
	if req.X, err = parseCoord(values, "x"); err != nil {
		return req, err
	}
	if req.Y, err = parseCoord(values, "y"); err != nil {
		return req, err
	}
	if !req.Tile().Valid() {
		return req, fmt.Errorf("%w: tile %d/%d/%d outside grid", ErrMalformed, req.Z, req.X, req.Y)
	}

	if raw := field(values, "attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return req, fmt.Errorf("%w: attempt %q", ErrMalformed, raw)
		}
		req.Attempt = n
	}
	req.Error = field(values, "error")

	return req, nil
}

func parseCoord(values map[string]any, name string) (uint32, error) {
	raw := field(values, name)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, name, raw)
	}
	return uint32(n), nil
}

func field(values map[string]any, name string) string {
	switch v := values[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// RetryDelay returns the backoff applied before re-enqueueing a request whose
// previous attempt number was previousAttempt: 2^previousAttempt seconds,
// capped at one minute.
func RetryDelay(previousAttempt int) time.Duration {
	const maxDelay = 60 * time.Second
	if previousAttempt < 0 {
		previousAttempt = 0
	}
	if previousAttempt >= 6 {
		return maxDelay
	}
	d := time.Duration(1<<previousAttempt) * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}
