// Package migration moves an account's row between shards when its
// partition key (country) changes. There is no cross-shard transaction, so
// the move runs as a saga: read source, write destination, verify, delete
// source. Nothing is ever deleted before a verified write. Events arrive at least
// once and possibly out of order; the orchestrator makes duplicates and
// stale events no-ops.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dltrh/devision-auth/internal/database"
	"github.com/dltrh/devision-auth/internal/metrics"
	"github.com/dltrh/devision-auth/internal/shard"
	"github.com/dltrh/devision-auth/pkg/models"
)

// State is a step of the migration saga
type State string

const (
	StateReceived         State = "RECEIVED"
	StateReadSource       State = "READ_SOURCE"
	StateWriteDestination State = "WRITE_DESTINATION"
	StateVerify           State = "VERIFY"
	StateDeleteSource     State = "DELETE_SOURCE"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// ErrVerifyFailed means the destination read-back after the write did not
// match. The source row is left intact and the migration is parked in
// FAILED for operator attention.
var ErrVerifyFailed = errors.New("destination verification failed")

// SessionInvalidator flags a tenant's outstanding sessions as stale
type SessionInvalidator interface {
	InvalidateSessions(subjectID string, ttl time.Duration)
}

// Orchestrator executes partition-change migrations one at a time per
// tenant. The in-flight set is the only cross-request shared mutable state
// in the sharding core; a second event for a tenant mid-migration is
// deferred, never run concurrently.
type Orchestrator struct {
	topology *shard.Topology
	store    *database.ShardedAccountStore
	sessions SessionInvalidator

	writeRetries      int
	retryBackoff      time.Duration
	sessionInvalidTTL time.Duration

	mu       sync.Mutex
	inflight map[string]bool
	deferred map[string][]models.PartitionChangeEvent
}

// Config holds the orchestrator's retry and invalidation settings
type Config struct {
	WriteRetries      int
	RetryBackoff      time.Duration
	SessionInvalidTTL time.Duration
}

// NewOrchestrator creates a migration orchestrator
func NewOrchestrator(topology *shard.Topology, store *database.ShardedAccountStore, sessions SessionInvalidator, cfg Config) *Orchestrator {
	if cfg.WriteRetries < 1 {
		cfg.WriteRetries = 1
	}

	return &Orchestrator{
		topology:          topology,
		store:             store,
		sessions:          sessions,
		writeRetries:      cfg.WriteRetries,
		retryBackoff:      cfg.RetryBackoff,
		sessionInvalidTTL: cfg.SessionInvalidTTL,
		inflight:          make(map[string]bool),
		deferred:          make(map[string][]models.PartitionChangeEvent),
	}
}

// Handle processes one partition-change event to completion, then drains
// any events for the same tenant that were deferred while it ran. A nil
// return means the event was fully handled (migrated, recognized as a
// duplicate, or discarded as stale) and may be acknowledged.
func (o *Orchestrator) Handle(ctx context.Context, event models.PartitionChangeEvent) error {
	o.mu.Lock()
	if o.inflight[event.TenantID] {
		// A migration for this tenant is already running. Queue the
		// event; the running goroutine drains the queue before
		// releasing the tenant.
		o.deferred[event.TenantID] = append(o.deferred[event.TenantID], event)
		o.mu.Unlock()
		log.Info().
			Str("tenant_id", event.TenantID).
			Msg("Migration in flight for tenant, event deferred")
		return nil
	}
	o.inflight[event.TenantID] = true
	o.mu.Unlock()

	err := o.migrate(ctx, event)

	for {
		o.mu.Lock()
		queue := o.deferred[event.TenantID]
		if len(queue) == 0 {
			delete(o.deferred, event.TenantID)
			delete(o.inflight, event.TenantID)
			o.mu.Unlock()
			return err
		}
		next := queue[0]
		o.deferred[event.TenantID] = queue[1:]
		o.mu.Unlock()

		if deferredErr := o.migrate(ctx, next); deferredErr != nil {
			log.Error().
				Err(deferredErr).
				Str("tenant_id", next.TenantID).
				Msg("Deferred migration event failed")
		}
	}
}

func (o *Orchestrator) migrate(ctx context.Context, event models.PartitionChangeEvent) error {
	start := time.Now()

	source := o.topology.Resolve(event.PreviousCountryCode)
	destination := o.topology.Resolve(event.NewCountryCode)

	logger := log.With().
		Str("tenant_id", event.TenantID).
		Str("source", string(source)).
		Str("destination", string(destination)).
		Str("previous_country", event.PreviousCountryCode).
		Str("new_country", event.NewCountryCode).
		Logger()

	logger.Info().Str("state", string(StateReceived)).Msg("Migration event received")

	if source == destination {
		// Both countries map to the same shard: update the stored
		// country in place, nothing moves.
		return o.updateInPlace(ctx, source, event, logger)
	}

	// Idempotency: a duplicate delivery after a completed migration finds
	// the destination already holding the row with the target country.
	if existing, err := o.store.GetOn(ctx, destination, event.TenantID); err == nil {
		if existing.CountryCode == event.NewCountryCode {
			logger.Info().Msg("Destination already holds migrated row, acknowledging duplicate")
			metrics.MigrationsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	} else if !errors.Is(err, database.ErrAccountNotFound) {
		return fmt.Errorf("destination precheck failed: %w", err)
	}

	// READ_SOURCE
	logger.Info().Str("state", string(StateReadSource)).Msg("Reading source row")
	account, err := o.store.GetOn(ctx, source, event.TenantID)
	if errors.Is(err, database.ErrAccountNotFound) {
		// The source does not hold the row. Either this event is stale
		// (the tenant already moved on) or the tenant never lived where
		// the event claims. Locate the current copy to decide.
		return o.discardIfStale(ctx, event, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to read source shard %s: %w", source, err)
	}

	// Out-of-order guard: the source row's current country must match the
	// event's previous country, otherwise a newer change already applied.
	if account.CountryCode != event.PreviousCountryCode {
		logger.Info().
			Str("current_country", account.CountryCode).
			Msg("Event previous country does not match current, discarding stale event")
		metrics.MigrationsTotal.WithLabelValues("stale").Inc()
		return nil
	}

	account.CountryCode = event.NewCountryCode

	// WRITE_DESTINATION, with bounded retry; the source stays untouched
	// and authoritative until the write verifies.
	logger.Info().Str("state", string(StateWriteDestination)).Msg("Writing destination row")
	if err := o.writeWithRetry(ctx, destination, account, logger); err != nil {
		metrics.MigrationsTotal.WithLabelValues("write_failed").Inc()
		return fmt.Errorf("failed to write destination shard %s: %w", destination, err)
	}

	// VERIFY: read back and compare before anything is deleted
	logger.Info().Str("state", string(StateVerify)).Msg("Verifying destination row")
	written, err := o.store.GetOn(ctx, destination, event.TenantID)
	if err != nil || written.CountryCode != event.NewCountryCode || written.Email != account.Email {
		logger.Error().
			Err(err).
			Str("state", string(StateFailed)).
			Msg("Migration verification failed, source left intact")
		metrics.MigrationsTotal.WithLabelValues("verify_failed").Inc()
		return ErrVerifyFailed
	}

	// DELETE_SOURCE. A crash before this point leaves two copies; the
	// reconciler resolves them toward the destination.
	logger.Info().Str("state", string(StateDeleteSource)).Msg("Deleting source row")
	if err := o.store.DeleteOn(ctx, source, event.TenantID); err != nil {
		metrics.MigrationsTotal.WithLabelValues("delete_failed").Inc()
		return fmt.Errorf("failed to delete source row on shard %s: %w", source, err)
	}

	// Outstanding tokens still carry the old country claim; flag the
	// tenant's sessions so token-derived resolution stops honoring them.
	if o.sessions != nil {
		o.sessions.InvalidateSessions(event.TenantID, o.sessionInvalidTTL)
	}

	logger.Info().
		Str("state", string(StateDone)).
		Dur("duration", time.Since(start)).
		Msg("Migration completed")
	metrics.MigrationsTotal.WithLabelValues("done").Inc()
	metrics.MigrationDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (o *Orchestrator) updateInPlace(ctx context.Context, name shard.Name, event models.PartitionChangeEvent, logger zerolog.Logger) error {
	account, err := o.store.GetOn(ctx, name, event.TenantID)
	if errors.Is(err, database.ErrAccountNotFound) {
		return o.discardIfStale(ctx, event, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to read shard %s: %w", name, err)
	}

	if account.CountryCode == event.NewCountryCode {
		logger.Info().Msg("Country already current, acknowledging duplicate")
		metrics.MigrationsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	if account.CountryCode != event.PreviousCountryCode {
		logger.Info().Msg("Event out of date, discarding")
		metrics.MigrationsTotal.WithLabelValues("stale").Inc()
		return nil
	}

	account.CountryCode = event.NewCountryCode
	if err := o.store.UpsertOn(ctx, name, account); err != nil {
		return fmt.Errorf("failed to update country on shard %s: %w", name, err)
	}

	logger.Info().Msg("Country updated in place, shards match")
	metrics.MigrationsTotal.WithLabelValues("in_place").Inc()
	return nil
}

// discardIfStale decides what to do when the event's source shard has no
// row: discard if the tenant exists elsewhere (the event is out of order),
// error if the tenant exists nowhere.
func (o *Orchestrator) discardIfStale(ctx context.Context, event models.PartitionChangeEvent, logger zerolog.Logger) error {
	copies, err := o.store.LocateTenant(ctx, event.TenantID)
	if err != nil {
		return fmt.Errorf("failed to locate tenant: %w", err)
	}
	if len(copies) == 0 {
		metrics.MigrationsTotal.WithLabelValues("missing").Inc()
		return fmt.Errorf("tenant %s not found in any shard", event.TenantID)
	}

	for name, account := range copies {
		logger.Info().
			Str("found_in", string(name)).
			Str("current_country", account.CountryCode).
			Msg("Tenant already moved, discarding stale event")
	}
	metrics.MigrationsTotal.WithLabelValues("stale").Inc()
	return nil
}

func (o *Orchestrator) writeWithRetry(ctx context.Context, destination shard.Name, account *models.Account, logger zerolog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= o.writeRetries; attempt++ {
		lastErr = o.store.UpsertOn(ctx, destination, account)
		if lastErr == nil {
			return nil
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", o.writeRetries).
			Msg("Destination write failed")

		if attempt < o.writeRetries {
			select {
			case <-time.After(o.retryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
