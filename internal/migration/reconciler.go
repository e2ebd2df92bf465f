package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dltrh/devision-auth/internal/database"
	"github.com/dltrh/devision-auth/internal/shard"
)

// Reconciler repairs the aftermath of a migration that crashed between the
// destination write and the source delete: the same tenant present in two
// shards. Resolution is deterministic toward the destination copy, the
// copy living in the shard its own country code maps to. It runs as a
// scheduled pass, not on the request path.
type Reconciler struct {
	topology *shard.Topology
	registry *shard.Registry
	store    *database.ShardedAccountStore
}

// NewReconciler creates a reconciler
func NewReconciler(registry *shard.Registry, store *database.ShardedAccountStore) *Reconciler {
	return &Reconciler{
		topology: registry.Topology(),
		registry: registry,
		store:    store,
	}
}

// Run scans every shard for duplicated tenants and resolves each
// duplicate. Returns the number of duplicates repaired.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	locations := make(map[string][]shard.Name)

	for _, name := range r.topology.Names() {
		db, err := r.registry.DB(name)
		if err != nil {
			return 0, err
		}

		var ids []string
		if err := db.NewSelect().
			Model((*database.Account)(nil)).
			Column("id").
			Scan(ctx, &ids); err != nil {
			return 0, fmt.Errorf("failed to scan shard %s: %w", name, err)
		}

		for _, id := range ids {
			locations[id] = append(locations[id], name)
		}
	}

	repaired := 0
	for tenantID, shards := range locations {
		if len(shards) < 2 {
			continue
		}
		if err := r.resolve(ctx, tenantID, shards); err != nil {
			log.Error().
				Err(err).
				Str("tenant_id", tenantID).
				Msg("Failed to reconcile duplicated tenant")
			continue
		}
		repaired++
	}

	if repaired > 0 {
		log.Warn().Int("repaired", repaired).Msg("Reconciled duplicated tenants")
	}
	return repaired, nil
}

// resolve keeps the authoritative copy of a duplicated tenant and deletes
// the rest. The destination copy is the one whose stored country maps to
// the shard it lives in; if several qualify, the most recently updated
// copy wins.
func (r *Reconciler) resolve(ctx context.Context, tenantID string, shards []shard.Name) error {
	var keep shard.Name
	var keepSettled bool
	var keepUpdated int64

	for _, name := range shards {
		account, err := r.store.GetOn(ctx, name, tenantID)
		if err != nil {
			return err
		}

		settled := r.topology.Resolve(account.CountryCode) == name
		updated := account.UpdatedAt.UnixNano()

		better := false
		switch {
		case keep == "":
			better = true
		case settled && !keepSettled:
			better = true
		case settled == keepSettled && updated > keepUpdated:
			better = true
		}

		if better {
			keep = name
			keepSettled = settled
			keepUpdated = updated
		}
	}

	for _, name := range shards {
		if name == keep {
			continue
		}
		if err := r.store.DeleteOn(ctx, name, tenantID); err != nil {
			return fmt.Errorf("failed to delete duplicate on shard %s: %w", name, err)
		}
		log.Info().
			Str("tenant_id", tenantID).
			Str("kept", string(keep)).
			Str("deleted_from", string(name)).
			Msg("Duplicate tenant copy removed")
	}

	return nil
}
