package shard

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// ConnectionProvider is the persistence layer's extension point for picking
// a physical connection. Repositories depend on this interface instead of a
// fixed *bun.DB, which keeps them decoupled from shard count and topology.
type ConnectionProvider interface {
	// ForContext returns the database for the shard recorded in the
	// current unit of work, falling back to the default shard. The
	// decision is re-evaluated on every call; nothing is cached, because
	// a single logical unit of work may legitimately cross shard
	// boundaries sequentially (batch jobs, migrations).
	ForContext(ctx context.Context) *bun.DB
}

// pools holds the two connection pools of one shard: the routed pool used
// by context-routed repository calls, and a smaller direct pool reserved
// for fan-out lookups so a broad lookup cannot starve routed traffic.
type pools struct {
	routed *bun.DB
	direct *bun.DB
}

// Registry owns one pools pair per configured shard and implements
// ConnectionProvider on top of the shard context.
type Registry struct {
	topology *Topology
	pools    map[Name]pools
}

// Option is a functional option for configuring the registry
type Option func(*registryOptions)

type registryOptions struct {
	debug bool
}

// WithDebug enables bun query logging on every pool
func WithDebug(enabled bool) Option {
	return func(o *registryOptions) {
		o.debug = enabled
	}
}

// NewRegistry opens both pools for every shard in the topology. Opening is
// fail-fast: a shard that cannot be opened aborts startup.
func NewRegistry(topology *Topology, opts ...Option) (*Registry, error) {
	var options registryOptions
	for _, opt := range opts {
		opt(&options)
	}

	r := &Registry{
		topology: topology,
		pools:    make(map[Name]pools, len(topology.shards)),
	}

	for name, sc := range topology.shards {
		routed, err := openPool(sc.DSN, sc.MaxOpenConns, sc.MaxIdleConns, options.debug)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open shard %s: %w", name, err)
		}
		routed.SetConnMaxLifetime(sc.ConnMaxLifetime)

		direct, err := openPool(sc.DSN, sc.DirectMaxOpenConns, sc.DirectMaxIdleConns, options.debug)
		if err != nil {
			routed.Close()
			r.Close()
			return nil, fmt.Errorf("failed to open direct pool for shard %s: %w", name, err)
		}
		direct.SetConnMaxLifetime(sc.ConnMaxLifetime)

		r.pools[name] = pools{routed: routed, direct: direct}

		log.Info().
			Str("shard", string(name)).
			Int("max_open_conns", sc.MaxOpenConns).
			Int("direct_max_open_conns", sc.DirectMaxOpenConns).
			Msg("Shard pools opened")
	}

	return r, nil
}

func openPool(dsn string, maxOpen, maxIdle int, debug bool) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqldb.SetMaxOpenConns(maxOpen)
	sqldb.SetMaxIdleConns(maxIdle)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db, nil
}

// Topology returns the topology the registry was built from
func (r *Registry) Topology() *Topology {
	return r.topology
}

// DB returns the routed pool of a shard
func (r *Registry) DB(name Name) (*bun.DB, error) {
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("unknown shard: %s", name)
	}
	return p.routed, nil
}

// DirectDB returns the direct pool of a shard, reserved for fan-out lookups
func (r *Registry) DirectDB(name Name) (*bun.DB, error) {
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("unknown shard: %s", name)
	}
	return p.direct, nil
}

// ForContext implements ConnectionProvider
func (r *Registry) ForContext(ctx context.Context) *bun.DB {
	name := r.topology.CurrentOrDefault(ctx)
	p, ok := r.pools[name]
	if !ok {
		// The slot can only hold names that resolved through the
		// topology, so this is unreachable unless a caller forged one.
		// Degrade to the default shard rather than crash mid-request.
		log.Error().Str("shard", string(name)).Msg("Shard context holds unknown shard, using default")
		p = r.pools[r.topology.defaultShard]
	}
	return p.routed
}

// Close closes every pool of every shard
func (r *Registry) Close() error {
	var firstErr error
	for name, p := range r.pools {
		for _, db := range []*bun.DB{p.routed, p.direct} {
			if db == nil {
				continue
			}
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close shard %s: %w", name, err)
			}
		}
	}
	return firstErr
}
