package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dltrh/devision-auth/internal/shard"
	"github.com/dltrh/devision-auth/pkg/config"
)

// shardDef describes one test shard and the countries it owns
type shardDef struct {
	Name      string
	Countries []string
}

// setupShards opens a migrated registry over shared-cache in-memory
// databases. The first shard is the default.
func setupShards(t *testing.T, defs ...shardDef) (*shard.Registry, *shard.Topology) {
	t.Helper()

	cfg := config.ShardingConfig{
		DefaultShard:   defs[0].Name,
		ScatterTimeout: time.Second,
		CountryMap:     map[string]string{},
	}
	for _, def := range defs {
		cfg.Shards = append(cfg.Shards, config.ShardConfig{
			Name:               def.Name,
			DSN:                fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", def.Name, uuid.New().String()),
			MaxOpenConns:       4,
			MaxIdleConns:       2,
			ConnMaxLifetime:    time.Minute,
			DirectMaxOpenConns: 2,
			DirectMaxIdleConns: 1,
		})
		for _, c := range def.Countries {
			cfg.CountryMap[c] = def.Name
		}
	}

	topo, err := shard.NewTopology(cfg)
	require.NoError(t, err)

	reg, err := shard.NewRegistry(topo)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, MigrateAll(context.Background(), reg))

	return reg, topo
}

func TestMigrateAll_IsIdempotent(t *testing.T) {
	reg, _ := setupShards(t,
		shardDef{Name: "auth_shard_sg", Countries: []string{"SG"}},
		shardDef{Name: "auth_shard_vn", Countries: []string{"VN"}},
	)

	// Running the schema migration again must not fail
	require.NoError(t, MigrateAll(context.Background(), reg))
}
