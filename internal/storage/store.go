// Package storage writes tile payloads into the staging area consumed by
// the archive packager.
package storage

import (
	"context"
	"fmt"
	"strings"
)

// TileRef describes a staged tile location.
type TileRef struct {
	Dataset string
	ShardID string
	Z       uint32
	X       uint32
	Y       uint32
}

// Path returns the staging key for this tile:
// {prefix}{dataset}/{shardId}/{z}/{x}/{y}.mvt
func (r TileRef) Path(prefix string) string {
	return fmt.Sprintf("%s%s/%s/%d/%d/%d.mvt", prefix, r.Dataset, r.ShardID, r.Z, r.X, r.Y)
}

// StagingStore abstracts writing tile payloads to the staging area.
type StagingStore interface {
	// WriteTile writes tile bytes, replacing any previous payload. Empty
	// payloads are never written.
	WriteTile(ctx context.Context, ref TileRef, data []byte) error

	// Close releases any resources.
	Close() error
}

// StagingConfig configures the staging backend.
type StagingConfig struct {
	Backend string // "local" | "blob"

	// Local filesystem
	Dir string // ./staging

	// Blob (gocloud.dev URL: file:///..., gs://bucket, s3://bucket?region=...)
	URL string

	// Common
	Prefix string // path prefix within the bucket or directory
}

// NewStagingStore creates a staging backend based on configuration.
func NewStagingStore(ctx context.Context, cfg StagingConfig) (StagingStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("Dir required for local backend")
		}
		return NewLocalStore(cfg.Dir, cfg.Prefix)
	case "blob":
		if cfg.URL == "" {
			return nil, fmt.Errorf("URL required for blob backend")
		}
		return NewBlobStore(ctx, cfg.URL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown staging backend: %s", cfg.Backend)
	}
}
