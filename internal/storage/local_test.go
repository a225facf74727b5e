package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestTileRefPath(t *testing.T) {
	ref := TileRef{Dataset: "parking_tickets", ShardID: "ontario", Z: 10, X: 512, Y: 300}

	if got := ref.Path(""); got != "parking_tickets/ontario/10/512/300.mvt" {
		t.Errorf("Path() = %s", got)
	}
	if got := ref.Path("staging/"); got != "staging/parking_tickets/ontario/10/512/300.mvt" {
		t.Errorf("Path(prefix) = %s", got)
	}
}

func TestLocalStoreWriteTile(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	ref := TileRef{Dataset: "parking_tickets", ShardID: "ontario", Z: 8, X: 10, Y: 20}
	data := []byte("fake mvt payload")

	if err := store.WriteTile(ctx, ref, data); err != nil {
		t.Fatalf("WriteTile failed: %v", err)
	}

	path := filepath.Join(tmpDir, "parking_tickets", "ontario", "8", "10", "20.mvt")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged tile: %v", err)
	}
	if string(got) != string(data) {
		t.Error("tile data mismatch")
	}

	// Overwrite is idempotent and leaves no temp files behind
	if err := store.WriteTile(ctx, ref, []byte("second payload")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "second payload" {
		t.Errorf("overwrite content = %q", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLocalStoreSkipsEmptyTiles(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	ref := TileRef{Dataset: "parking_tickets", ShardID: "ontario", Z: 8, X: 11, Y: 21}

	if err := store.WriteTile(ctx, ref, nil); err != nil {
		t.Fatalf("WriteTile(nil) failed: %v", err)
	}
	if err := store.WriteTile(ctx, ref, []byte{}); err != nil {
		t.Fatalf("WriteTile(empty) failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "parking_tickets")); !os.IsNotExist(err) {
		t.Error("no directories should be created for empty tiles")
	}
}

func TestLocalStoreConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	ref := TileRef{Dataset: "d", ShardID: "s", Z: 4, X: 3, Y: 2}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.WriteTile(ctx, ref, []byte("same tile")); err != nil {
				t.Errorf("WriteTile failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := os.ReadFile(filepath.Join(tmpDir, ref.Path("")))
	if err != nil {
		t.Fatalf("read tile: %v", err)
	}
	if string(got) != "same tile" {
		t.Errorf("content = %q", got)
	}
}

func TestNewStagingStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewStagingStore(ctx, StagingConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("default backend failed: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("default backend = %T, want *LocalStore", store)
	}

	if _, err := NewStagingStore(ctx, StagingConfig{Backend: "blob"}); err == nil {
		t.Error("blob backend without URL should fail")
	}
	if _, err := NewStagingStore(ctx, StagingConfig{Backend: "ftp", Dir: "x"}); err == nil {
		t.Error("unknown backend should fail")
	}
}
