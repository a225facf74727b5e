// Package queue consumes tile-build requests from a Redis stream through a
// consumer group and publishes retries and failure records.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// ErrNotConnected is returned when the reconnect policy gives up.
var ErrNotConnected = errors.New("queue not connected")

// State is the connection state of the queue client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config configures stream and group names.
type Config struct {
	Stream        string
	FailureStream string
	Group         string
	Consumer      string

	// ReconnectMaxElapsed bounds one in-loop EnsureConnected call. Zero
	// means retry until the context is done.
	ReconnectMaxElapsed time.Duration
}

// Message is one claimed stream entry.
type Message struct {
	ID     string
	Values map[string]any
}

// Queue wraps a Redis client with consumer-group semantics.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	log    *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a queue over an existing client. The client is owned by the
// caller.
func New(client redis.UniversalClient, cfg Config) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg,
		log:    slog.With("component", "queue", "stream", cfg.Stream, "group", cfg.Group),
		state:  Disconnected,
	}
}

// State returns the current connection state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	prev := q.state
	q.state = s
	q.mu.Unlock()
	if prev != s {
		q.log.Debug("connection state changed", "from", prev.String(), "to", s.String())
	}
}

// EnsureConnected pings Redis when the queue is not known to be connected,
// retrying with exponential backoff. It is called before every claim.
func (q *Queue) EnsureConnected(ctx context.Context) error {
	if q.State() == Connected {
		return nil
	}
	return q.connect(ctx, q.cfg.ReconnectMaxElapsed)
}

// Connect is the startup connection check. Unlike EnsureConnected it always
// pings and gives up with ErrNotConnected once limit has elapsed.
func (q *Queue) Connect(ctx context.Context, limit time.Duration) error {
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	return q.connect(ctx, limit)
}

func (q *Queue) connect(ctx context.Context, maxElapsed time.Duration) error {
	q.setState(Connecting)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := q.client.Ping(ctx).Err()
		if err != nil {
			q.log.Warn("redis ping failed", "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		q.setState(Disconnected)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	q.setState(Connected)
	if attempt > 1 {
		q.log.Info("reconnected to redis", "attempts", attempt)
	}
	return nil
}

// observe moves the queue to Disconnected on transport errors. Server
// replies and timeouts leave the connection state untouched.
func (q *Queue) observe(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	q.setState(Disconnected)
	return err
}

// EnsureGroup creates the consumer group (and the stream) if needed. A group
// that already exists is not an error.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err == nil {
		q.log.Info("created consumer group")
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create consumer group %s on %s: %w", q.cfg.Group, q.cfg.Stream, q.observe(err))
}

// Claim reads up to count undelivered messages for this consumer, blocking
// up to block when none are available. A timeout returns an empty batch.
func (q *Queue) Claim(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	if block <= 0 {
		block = -1 // BLOCK 0 would wait forever
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.cfg.Stream, q.observe(err))
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Reclaim transfers entries that another consumer left pending for longer
// than minIdle to this consumer. Entries deleted from the stream body are
// dropped from the pending list by Redis and not returned.
func (q *Queue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	var out []Message
	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}).Result()
		if err != nil {
			return out, fmt.Errorf("xautoclaim %s: %w", q.cfg.Stream, q.observe(err))
		}
		for _, m := range msgs {
			out = append(out, Message{ID: m.ID, Values: m.Values})
		}
		if next == "0-0" || next == "" || int64(len(out)) >= count {
			return out, nil
		}
		start = next
	}
}

// Retire acknowledges a message and deletes it from the stream body in one
// transaction. Acknowledging alone would leave the entry visible to XLEN
// and manual replay.
func (q *Queue) Retire(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, id)
		pipe.XDel(ctx, q.cfg.Stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retire %s: %w", id, q.observe(err))
	}
	return nil
}

// Enqueue appends a build request and returns its new stream ID.
func (q *Queue) Enqueue(ctx context.Context, req tiles.BuildRequest) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: req.Values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.Key(), q.observe(err))
	}
	return id, nil
}

// AppendFailure appends a record to the failure stream.
func (q *Queue) AppendFailure(ctx context.Context, rec tiles.FailureRecord) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.FailureStream,
		Values: rec.Values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", rec.Type, rec.Shard, q.observe(err))
	}
	return nil
}

// RecentFailures returns up to n failure entries, newest first.
func (q *Queue) RecentFailures(ctx context.Context, n int64) ([]Message, error) {
	msgs, err := q.client.XRevRangeN(ctx, q.cfg.FailureStream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read failures: %w", q.observe(err))
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Values: m.Values})
	}
	return out, nil
}

// Len returns the number of entries in the build stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", q.cfg.Stream, q.observe(err))
	}
	return n, nil
}

// Consumer returns this consumer's name.
func (q *Queue) Consumer() string {
	return q.cfg.Consumer
}
