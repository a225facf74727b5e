package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the subset of *pgxpool.Pool used for tile queries.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostGIS fetches tiles by calling a per-dataset SQL function with the
// signature fn(z integer, x integer, y integer) RETURNS bytea.
type PostGIS struct {
	pool     *pgxpool.Pool
	db       rowQuerier
	resolver FunctionResolver
	log      *slog.Logger

	mu      sync.RWMutex
	queries map[string]string // dataset -> SQL
}

// NewPostGIS connects to the datastore and verifies the connection.
func NewPostGIS(ctx context.Context, cfg Config, resolver FunctionResolver) (*PostGIS, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := newPostGIS(pool, resolver)
	p.pool = pool
	p.log.Info("connected to spatial datastore", "max_conns", poolCfg.MaxConns)
	return p, nil
}

func newPostGIS(db rowQuerier, resolver FunctionResolver) *PostGIS {
	return &PostGIS{
		db:       db,
		resolver: resolver,
		log:      slog.With("component", "fetcher"),
		queries:  make(map[string]string),
	}
}

// Fetch returns the tile bytes, or nil when the datastore has no features
// for the tile.
func (p *PostGIS) Fetch(ctx context.Context, dataset string, z, x, y uint32) ([]byte, error) {
	query, err := p.query(dataset)
	if err != nil {
		return nil, err
	}

	var tile []byte
	if err := p.db.QueryRow(ctx, query, int32(z), int32(x), int32(y)).Scan(&tile); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch tile %s %d/%d/%d: %w", dataset, z, x, y, err)
	}
	if len(tile) == 0 {
		return nil, nil
	}
	return tile, nil
}

// query returns the cached SQL for a dataset.
func (p *PostGIS) query(dataset string) (string, error) {
	p.mu.RLock()
	q, ok := p.queries[dataset]
	p.mu.RUnlock()
	if ok {
		return q, nil
	}

	fn, err := p.resolver.TileFunction(dataset)
	if err != nil {
		return "", err
	}
	q = tileQuery(fn)

	p.mu.Lock()
	p.queries[dataset] = q
	p.mu.Unlock()

	return q, nil
}

// tileQuery builds the call for a possibly schema-qualified function name.
func tileQuery(fn string) string {
	ident := pgx.Identifier(strings.Split(fn, "."))
	return fmt.Sprintf("SELECT %s($1, $2, $3)", ident.Sanitize())
}

// Close releases the connection pool.
func (p *PostGIS) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
