// Package shard implements the country-partitioned shard topology, the
// per-operation shard context, the routing connection source consulted by
// the persistence layer, and the scatter-gather lookup helper used when the
// owning shard of an identifier is not yet known.
package shard

import (
	"fmt"
	"strings"

	"github.com/dltrh/devision-auth/pkg/config"
)

// Name identifies a physical database shard, e.g. "auth_shard_vn".
type Name string

// Topology is the static shard layout: every configured shard, the default
// shard, and the country to shard mapping. It is built once at startup and
// never mutated afterwards, so lookups need no synchronization.
type Topology struct {
	defaultShard Name
	shards       map[Name]config.ShardConfig
	countryMap   map[string]Name
}

// NewTopology builds and validates a topology from configuration. A default
// shard that is not among the configured shards, or a country mapped to an
// unknown shard, is a fatal misconfiguration.
func NewTopology(cfg config.ShardingConfig) (*Topology, error) {
	t := &Topology{
		defaultShard: Name(cfg.DefaultShard),
		shards:       make(map[Name]config.ShardConfig, len(cfg.Shards)),
		countryMap:   make(map[string]Name, len(cfg.CountryMap)),
	}

	for _, sc := range cfg.Shards {
		name := Name(sc.Name)
		if _, dup := t.shards[name]; dup {
			return nil, fmt.Errorf("duplicate shard name: %s", name)
		}
		t.shards[name] = sc
	}

	if _, ok := t.shards[t.defaultShard]; !ok {
		return nil, fmt.Errorf("default shard %q is not among the configured shards", t.defaultShard)
	}

	for country, shardName := range cfg.CountryMap {
		name := Name(shardName)
		if _, ok := t.shards[name]; !ok {
			return nil, fmt.Errorf("country %s maps to unknown shard %q", country, shardName)
		}
		t.countryMap[normalizeCountry(country)] = name
	}

	return t, nil
}

// Resolve maps a country code to its shard. Unknown or empty country codes
// resolve to the default shard.
func (t *Topology) Resolve(countryCode string) Name {
	if name, ok := t.countryMap[normalizeCountry(countryCode)]; ok {
		return name
	}
	return t.defaultShard
}

// Default returns the default shard name
func (t *Topology) Default() Name {
	return t.defaultShard
}

// Contains reports whether the topology knows the given shard
func (t *Topology) Contains(name Name) bool {
	_, ok := t.shards[name]
	return ok
}

// ShardConfig returns the connection configuration for a shard
func (t *Topology) ShardConfig(name Name) (config.ShardConfig, bool) {
	sc, ok := t.shards[name]
	return sc, ok
}

// Names returns every configured shard name, in no particular order
func (t *Topology) Names() []Name {
	names := make([]Name, 0, len(t.shards))
	for name := range t.shards {
		names = append(names, name)
	}
	return names
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
