// Package fetcher reads vector tiles from the spatial datastore.
package fetcher

import (
	"context"
)

// Fetcher returns the MVT payload for a tile. A nil or zero-length result
// means the tile is empty. Errors are treated as transient by callers.
type Fetcher interface {
	Fetch(ctx context.Context, dataset string, z, x, y uint32) ([]byte, error)
}

// FunctionResolver maps a dataset to the datastore function producing its
// tiles.
type FunctionResolver interface {
	TileFunction(dataset string) (string, error)
}

// Config configures the PostGIS fetcher.
type Config struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, dataset string, z, x, y uint32) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, dataset string, z, x, y uint32) ([]byte, error) {
	return f(ctx, dataset, z, x, y)
}
