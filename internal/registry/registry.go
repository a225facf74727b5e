// Package registry resolves datasets and shards for request validation.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// ErrUnknownDataset is returned when a dataset is not in the allowed set.
var ErrUnknownDataset = errors.New("unknown dataset")

// ErrUnknownShard is returned when a dataset has no shard with the given ID.
var ErrUnknownShard = errors.New("unknown shard")

// ErrInvalidRequest is returned when a request falls outside its shard.
var ErrInvalidRequest = errors.New("request outside shard")

// File is the on-disk layout of the shard registry.
type File struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Dataset describes one tiled dataset.
type Dataset struct {
	Name         string  `yaml:"name"`
	TileFunction string  `yaml:"tile_function"` // datastore function returning MVT bytes
	Shards       []Shard `yaml:"shards"`
}

// Shard is a zoom/spatial partition packaged independently.
type Shard struct {
	ID         string    `yaml:"id"`
	MinZoom    uint32    `yaml:"min_zoom"`
	MaxZoom    uint32    `yaml:"max_zoom"`
	Bounds     []float64 `yaml:"bounds,omitempty"` // [west, south, east, north]
	TotalTiles int64     `yaml:"total_tiles,omitempty"` // seeded into progress at startup
}

// Bound returns the shard envelope and whether one is configured.
func (s Shard) Bound() (orb.Bound, bool) {
	if len(s.Bounds) != 4 {
		return orb.Bound{}, false
	}
	return orb.Bound{
		Min: orb.Point{s.Bounds[0], s.Bounds[1]},
		Max: orb.Point{s.Bounds[2], s.Bounds[3]},
	}, true
}

// ContainsZoom reports whether z is within the shard's zoom range.
func (s Shard) ContainsZoom(z uint32) bool {
	return z >= s.MinZoom && z <= s.MaxZoom
}

// Registry is an immutable lookup built once at startup.
type Registry struct {
	datasets map[string]*entry
}

type entry struct {
	dataset Dataset
	shards  map[string]Shard
}

// New builds a registry, rejecting duplicate names and invalid ranges.
func New(datasets []Dataset) (*Registry, error) {
	if len(datasets) == 0 {
		return nil, errors.New("at least one dataset must be configured")
	}

	r := &Registry{datasets: make(map[string]*entry, len(datasets))}
	for _, ds := range datasets {
		if ds.Name == "" {
			return nil, errors.New("dataset name is required")
		}
		if _, dup := r.datasets[ds.Name]; dup {
			return nil, fmt.Errorf("dataset %q configured twice", ds.Name)
		}

		e := &entry{dataset: ds, shards: make(map[string]Shard, len(ds.Shards))}
		for _, sh := range ds.Shards {
			if sh.ID == "" {
				return nil, fmt.Errorf("dataset %q: shard id is required", ds.Name)
			}
			if _, dup := e.shards[sh.ID]; dup {
				return nil, fmt.Errorf("dataset %q: shard %q configured twice", ds.Name, sh.ID)
			}
			if sh.MaxZoom < sh.MinZoom {
				return nil, fmt.Errorf("dataset %q shard %q: max_zoom %d < min_zoom %d",
					ds.Name, sh.ID, sh.MaxZoom, sh.MinZoom)
			}
			if sh.MaxZoom > tiles.MaxZoom {
				return nil, fmt.Errorf("dataset %q shard %q: max_zoom %d exceeds %d",
					ds.Name, sh.ID, sh.MaxZoom, tiles.MaxZoom)
			}
			if len(sh.Bounds) != 0 && len(sh.Bounds) != 4 {
				return nil, fmt.Errorf("dataset %q shard %q: bounds need 4 values, got %d",
					ds.Name, sh.ID, len(sh.Bounds))
			}
			e.shards[sh.ID] = sh
		}
		r.datasets[ds.Name] = e
	}

	return r, nil
}

// Load reads a YAML registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard registry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse shard registry: %w", err)
	}
	return New(f.Datasets)
}

// Lookup resolves a shard of a dataset.
func (r *Registry) Lookup(dataset, shardID string) (*Shard, error) {
	e, ok := r.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, dataset)
	}
	sh, ok := e.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("%w: %q in dataset %q", ErrUnknownShard, shardID, dataset)
	}
	return &sh, nil
}

// TileFunction returns the datastore function for a dataset. It satisfies
// the fetcher's function resolver.
func (r *Registry) TileFunction(dataset string) (string, error) {
	e, ok := r.datasets[dataset]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDataset, dataset)
	}
	if e.dataset.TileFunction == "" {
		return "", fmt.Errorf("dataset %q has no tile_function", dataset)
	}
	return e.dataset.TileFunction, nil
}

// Validate checks a request against its shard: the shard must exist, the
// zoom must be within range and the tile must intersect the shard bounds
// when bounds are configured.
func (r *Registry) Validate(req tiles.BuildRequest) error {
	sh, err := r.Lookup(req.Dataset, req.ShardID)
	if err != nil {
		return err
	}
	if !sh.ContainsZoom(req.Z) {
		return fmt.Errorf("%w: zoom %d not in [%d,%d] for %s",
			ErrInvalidRequest, req.Z, sh.MinZoom, sh.MaxZoom, req.ShardKey())
	}
	if b, ok := sh.Bound(); ok {
		if !req.Tile().Bound().Intersects(b) {
			return fmt.Errorf("%w: tile %d/%d/%d outside bounds of %s",
				ErrInvalidRequest, req.Z, req.X, req.Y, req.ShardKey())
		}
	}
	return nil
}

// DatasetNames returns the allowed dataset names in sorted order.
func (r *Registry) DatasetNames() []string {
	names := make([]string, 0, len(r.datasets))
	for name := range r.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Totals returns the configured tile target of every shard that declares
// total_tiles.
func (r *Registry) Totals() map[tiles.ShardKey]int64 {
	out := make(map[tiles.ShardKey]int64)
	for name, e := range r.datasets {
		for id, sh := range e.shards {
			if sh.TotalTiles > 0 {
				out[tiles.ShardKey{Dataset: name, ShardID: id}] = sh.TotalTiles
			}
		}
	}
	return out
}
