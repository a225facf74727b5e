package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

func newTestQueue(t *testing.T, consumer string) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client, Config{
		Stream:              "tiles:build",
		FailureStream:       "tiles:failures",
		Group:               "tile-workers",
		Consumer:            consumer,
		ReconnectMaxElapsed: 500 * time.Millisecond,
	})
	return q, mr, client
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t, "c1")
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("first EnsureGroup failed: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("second EnsureGroup should swallow BUSYGROUP: %v", err)
	}
}

func TestEnsureGroupFailsOnWrongType(t *testing.T) {
	q, mr, _ := newTestQueue(t, "c1")
	mr.Set("tiles:build", "not a stream")

	if err := q.EnsureGroup(context.Background()); err == nil {
		t.Fatal("EnsureGroup on a non-stream key should fail")
	}
}

func TestClaimRetireEnqueue(t *testing.T) {
	q, _, client := newTestQueue(t, "c1")
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}

	req := tiles.BuildRequest{Dataset: "parking_tickets", ShardID: "ontario", Z: 10, X: 512, Y: 300}
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msgs, err := q.Claim(ctx, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("Claim = %+v, want message %s", msgs, id)
	}

	got, err := tiles.ParseRequest(msgs[0].Values)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if got.Key() != req.Key() || got.Attempt != 0 {
		t.Errorf("claimed request = %+v", got)
	}

	// A second claim must not redeliver the same message
	again, err := q.Claim(ctx, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Claim = %+v, want empty", again)
	}

	if err := q.Retire(ctx, id); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("stream length = %d after retire, want 0", n)
	}

	pending, err := client.XPending(ctx, "tiles:build", "tile-workers").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending = %d after retire, want 0", pending.Count)
	}
}

func TestClaimSplitsAcrossConsumers(t *testing.T) {
	q1, mr, _ := newTestQueue(t, "c1")
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	q2 := New(client2, Config{Stream: "tiles:build", FailureStream: "tiles:failures", Group: "tile-workers", Consumer: "c2"})

	ctx := context.Background()
	if err := q1.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}
	if err := q2.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup (second process) failed: %v", err)
	}

	for i := uint32(0); i < 4; i++ {
		if _, err := q1.Enqueue(ctx, tiles.BuildRequest{Dataset: "d", ShardID: "s", Z: 2, X: i, Y: 0}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	a, err := q1.Claim(ctx, 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim c1 failed: %v", err)
	}
	b, err := q2.Claim(ctx, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim c2 failed: %v", err)
	}

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("claims = %d + %d, want 2 + 2", len(a), len(b))
	}
	seen := map[string]bool{}
	for _, m := range append(a, b...) {
		if seen[m.ID] {
			t.Errorf("message %s delivered twice", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestReclaimAbandonedMessages(t *testing.T) {
	q1, mr, _ := newTestQueue(t, "crashed")
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	q2 := New(client2, Config{Stream: "tiles:build", FailureStream: "tiles:failures", Group: "tile-workers", Consumer: "rescuer"})

	ctx := context.Background()
	if err := q1.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}
	id, err := q1.Enqueue(ctx, tiles.BuildRequest{Dataset: "d", ShardID: "s", Z: 1, X: 1, Y: 1})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q1.Claim(ctx, 1, 10*time.Millisecond); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Not idle long enough yet
	msgs, err := q2.Reclaim(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Reclaim = %d messages before idle timeout, want 0", len(msgs))
	}

	time.Sleep(20 * time.Millisecond)
	msgs, err = q2.Reclaim(ctx, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("Reclaim = %+v, want %s", msgs, id)
	}
}

func TestAppendAndReadFailures(t *testing.T) {
	q, _, _ := newTestQueue(t, "c1")
	ctx := context.Background()

	req := tiles.BuildRequest{Dataset: "parking_tickets", ShardID: "ontario", Z: 10, X: 512, Y: 300}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := q.AppendFailure(ctx, tiles.TileFailure(req, errors.New("timeout"), 6, at)); err != nil {
		t.Fatalf("AppendFailure failed: %v", err)
	}
	if err := q.AppendFailure(ctx, tiles.RebuildFailure(req.ShardKey(), errors.New("exit status 1"), at)); err != nil {
		t.Fatalf("AppendFailure failed: %v", err)
	}

	recs, err := q.RecentFailures(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFailures failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("RecentFailures = %d, want 2", len(recs))
	}
	if recs[0].Values["type"] != tiles.FailureRebuild {
		t.Errorf("newest failure type = %v", recs[0].Values["type"])
	}
	if recs[1].Values["attempts"] != "6" || recs[1].Values["x"] != "512" {
		t.Errorf("tile failure = %v", recs[1].Values)
	}
}

func TestEnsureConnectedTracksState(t *testing.T) {
	q, mr, _ := newTestQueue(t, "c1")
	ctx := context.Background()

	if q.State() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", q.State())
	}
	if err := q.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}
	if q.State() != Connected {
		t.Errorf("state = %s, want connected", q.State())
	}

	mr.Close()
	if _, err := q.Enqueue(ctx, tiles.BuildRequest{Dataset: "d", ShardID: "s"}); err == nil {
		t.Fatal("Enqueue against a closed server should fail")
	}
	if q.State() != Disconnected {
		t.Errorf("state after transport error = %s, want disconnected", q.State())
	}

	err := q.EnsureConnected(ctx)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("EnsureConnected error = %v, want ErrNotConnected", err)
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	if err := q.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected after restart failed: %v", err)
	}
	if q.State() != Connected {
		t.Errorf("state = %s, want connected", q.State())
	}
}

func TestConnectGivesUpWithinLimit(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	q := New(client, Config{Stream: "tiles:build", FailureStream: "tiles:failures", Group: "g", Consumer: "c1"})

	start := time.Now()
	err := q.Connect(context.Background(), 300*time.Millisecond)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Connect error = %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Connect took %v, want it bounded by the limit", elapsed)
	}
	if q.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", q.State())
	}
}

func TestConnectPingsEvenWhenConnected(t *testing.T) {
	q, mr, _ := newTestQueue(t, "c1")
	ctx := context.Background()

	if err := q.Connect(ctx, time.Second); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	mr.Close()
	if err := q.Connect(ctx, 200*time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect after server stop = %v, want ErrNotConnected", err)
	}
}
