// Package database provides the sharded account persistence layer. All
// routed access goes through a shard.ConnectionProvider so repository code
// stays decoupled from shard count and topology; per-shard access for
// migrations and fan-out lookups is explicit.
package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"github.com/dltrh/devision-auth/internal/shard"
)

// Migrate creates the account schema on a single shard
func Migrate(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().
		Model((*Account)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create accounts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email)",
		"CREATE INDEX IF NOT EXISTS idx_accounts_provider ON accounts(provider, provider_id)",
		"CREATE INDEX IF NOT EXISTS idx_accounts_country_code ON accounts(country_code)",
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			log.Warn().Err(err).Str("index", idx).Msg("Failed to create index (may already exist)")
		}
	}

	return nil
}

// MigrateAll creates the account schema on every shard in the registry
func MigrateAll(ctx context.Context, reg *shard.Registry) error {
	for _, name := range reg.Topology().Names() {
		db, err := reg.DB(name)
		if err != nil {
			return err
		}
		if err := Migrate(ctx, db); err != nil {
			return fmt.Errorf("shard %s: %w", name, err)
		}
		log.Info().Str("shard", string(name)).Msg("Shard schema migrated")
	}
	return nil
}
