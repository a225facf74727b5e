package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

var ontario = tiles.ShardKey{Dataset: "parking_tickets", ShardID: "ontario"}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, "tiles:progress"), mr
}

func TestKeyPattern(t *testing.T) {
	s, _ := newTestStore(t)
	if got := s.Key(ontario); got != "tiles:progress:parking_tickets:ontario" {
		t.Errorf("Key = %s", got)
	}
}

func TestRecordUpdatesAllFields(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	snap, err := s.Record(ctx, ontario, Update{Z: 8, X: 10, Y: 20, Written: true, At: at})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if snap.Completed != 1 || snap.Written != 1 || snap.Pending != 1 || snap.Total != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	snap, err = s.Record(ctx, ontario, Update{Z: 8, X: 10, Y: 21, Written: false, At: at})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if snap.Completed != 2 || snap.Written != 1 || snap.Pending != 2 {
		t.Errorf("snapshot after empty tile = %+v", snap)
	}

	key := s.Key(ontario)
	if got := mr.HGet(key, FieldLastY); got != "21" {
		t.Errorf("last_y = %s", got)
	}
	if got := mr.HGet(key, FieldStatus); got != StatusRunning {
		t.Errorf("status = %s", got)
	}
	if got := mr.HGet(key, FieldLastUpdatedAt); got != "2026-05-01T10:00:00Z" {
		t.Errorf("last_updated_at = %s", got)
	}
}

func TestRecordConcurrentNeverLosesUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetTotal(ctx, ontario, 1000); err != nil {
		t.Fatalf("SetTotal failed: %v", err)
	}
	if _, err := s.Record(ctx, ontario, Update{Written: true}); err != nil {
		t.Fatalf("seed Record failed: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Record(ctx, ontario, Update{Z: 4, X: uint32(i % 16), Y: 1, Written: i%2 == 0}); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := s.Get(ctx, ontario)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Completed != n+1 {
		t.Errorf("completed = %d, want %d", rec.Completed, n+1)
	}
	if rec.Pending != n+1 {
		t.Errorf("pending = %d, want %d", rec.Pending, n+1)
	}
	if rec.Written != n/2+1 {
		t.Errorf("written = %d, want %d", rec.Written, n/2+1)
	}
	if rec.Written > rec.Completed {
		t.Error("tiles_written must never exceed completed_tiles")
	}
	if rec.Total != 1000 {
		t.Errorf("total = %d", rec.Total)
	}
}

func TestRebuildDue(t *testing.T) {
	tests := []struct {
		name         string
		snap         Snapshot
		interval     int64
		wantDue      bool
		wantComplete bool
	}{
		{"below interval", Snapshot{Completed: 3, Pending: 3}, 10, false, false},
		{"interval reached", Snapshot{Completed: 10, Pending: 10}, 10, true, false},
		{"complete below interval", Snapshot{Completed: 4, Pending: 4, Total: 4}, 10, true, true},
		{"past total", Snapshot{Completed: 6, Pending: 1, Total: 4}, 10, true, true},
		{"unknown total", Snapshot{Completed: 40, Pending: 4}, 10, false, false},
		{"interval disabled", Snapshot{Completed: 40, Pending: 40}, 0, false, false},
	}
	for _, tt := range tests {
		due, complete := tt.snap.RebuildDue(tt.interval)
		if due != tt.wantDue || complete != tt.wantComplete {
			t.Errorf("%s: RebuildDue = (%v, %v), want (%v, %v)", tt.name, due, complete, tt.wantDue, tt.wantComplete)
		}
	}
}

func TestMarkRebuild(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := s.Record(ctx, ontario, Update{Written: true}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	if err := s.MarkRebuildFailed(ctx, ontario, at, errors.New("exit status 3")); err != nil {
		t.Fatalf("MarkRebuildFailed failed: %v", err)
	}
	rec, err := s.Get(ctx, ontario)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Pending != 3 {
		t.Errorf("pending after failure = %d, want 3 (preserved)", rec.Pending)
	}
	if rec.LastRebuildStatus != RebuildFailed || rec.LastRebuildError != "exit status 3" {
		t.Errorf("rebuild fields = %q %q", rec.LastRebuildStatus, rec.LastRebuildError)
	}

	if err := s.MarkRebuildSucceeded(ctx, ontario, at, false); err != nil {
		t.Fatalf("MarkRebuildSucceeded failed: %v", err)
	}
	rec, _ = s.Get(ctx, ontario)
	if rec.Pending != 0 {
		t.Errorf("pending after success = %d, want 0", rec.Pending)
	}
	if rec.Completed != 3 {
		t.Errorf("completed = %d, must not be reset", rec.Completed)
	}
	if rec.Status != StatusRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
	if rec.LastRebuildStatus != RebuildSuccess || rec.LastRebuildError != "" {
		t.Errorf("rebuild fields = %q %q", rec.LastRebuildStatus, rec.LastRebuildError)
	}
	if !rec.LastRebuildAt.Equal(at) {
		t.Errorf("last_rebuild_at = %v", rec.LastRebuildAt)
	}

	if err := s.MarkRebuildSucceeded(ctx, ontario, at, true); err != nil {
		t.Fatalf("MarkRebuildSucceeded failed: %v", err)
	}
	rec, _ = s.Get(ctx, ontario)
	if rec.Status != StatusComplete {
		t.Errorf("status = %s, want complete", rec.Status)
	}
}

func TestGetMissingRecord(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Get(context.Background(), tiles.ShardKey{Dataset: "x", ShardID: "y"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Completed != 0 || rec.Status != "" {
		t.Errorf("missing record = %+v", rec)
	}
}

func TestLease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, ontario, "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease = %v, %v; want true", ok, err)
	}

	ok, err = s.AcquireLease(ctx, ontario, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if ok {
		t.Error("second owner must not acquire a held lease")
	}

	// Releasing someone else's lease is a no-op
	if err := s.ReleaseLease(ctx, ontario, "worker-b"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, ontario, "worker-b", time.Minute); ok {
		t.Error("lease should still be held by worker-a")
	}

	if err := s.ReleaseLease(ctx, ontario, "worker-a"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, ontario, "worker-b", time.Minute); !ok {
		t.Error("lease should be free after release")
	}

	// Expired leases can be taken over
	mr.FastForward(2 * time.Minute)
	if ok, _ := s.AcquireLease(ctx, ontario, "worker-c", time.Minute); !ok {
		t.Error("expired lease should be acquirable")
	}
}

func TestSeedTotals(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	trees := tiles.ShardKey{Dataset: "street_trees", ShardID: "all"}

	if err := s.SetTotal(ctx, ontario, 10); err != nil {
		t.Fatalf("SetTotal failed: %v", err)
	}
	if err := s.SeedTotals(ctx, map[tiles.ShardKey]int64{ontario: 4, trees: 4096}); err != nil {
		t.Fatalf("SeedTotals failed: %v", err)
	}

	for k, want := range map[tiles.ShardKey]int64{ontario: 4, trees: 4096} {
		rec, err := s.Get(ctx, k)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", k, err)
		}
		if rec.Total != want {
			t.Errorf("%s total = %d, want %d", k, rec.Total, want)
		}
	}

	if err := s.SeedTotals(ctx, nil); err != nil {
		t.Errorf("SeedTotals(nil) = %v", err)
	}
}
