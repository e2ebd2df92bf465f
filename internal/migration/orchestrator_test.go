package migration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dltrh/devision-auth/internal/database"
	"github.com/dltrh/devision-auth/internal/shard"
	"github.com/dltrh/devision-auth/pkg/config"
	"github.com/dltrh/devision-auth/pkg/models"
)

// fakeInvalidator records session invalidations
type fakeInvalidator struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeInvalidator) InvalidateSessions(subjectID string, ttl time.Duration) {
	f.mu.Lock()
	f.subjects = append(f.subjects, subjectID)
	f.mu.Unlock()
}

func (f *fakeInvalidator) invalidated(subjectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subjects {
		if s == subjectID {
			return true
		}
	}
	return false
}

type testEnv struct {
	registry     *shard.Registry
	topology     *shard.Topology
	store        *database.ShardedAccountStore
	sessions     *fakeInvalidator
	orchestrator *Orchestrator
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.ShardingConfig{
		DefaultShard:   "auth_shard_sg",
		ScatterTimeout: time.Second,
		CountryMap: map[string]string{
			"SG": "auth_shard_sg",
			"VN": "auth_shard_vn",
			"TH": "auth_shard_vn",
			"US": "auth_shard_na",
			"CA": "auth_shard_na",
		},
	}
	for _, name := range []string{"auth_shard_sg", "auth_shard_vn", "auth_shard_na"} {
		cfg.Shards = append(cfg.Shards, config.ShardConfig{
			Name:               name,
			DSN:                fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.New().String()),
			MaxOpenConns:       4,
			MaxIdleConns:       2,
			ConnMaxLifetime:    time.Minute,
			DirectMaxOpenConns: 2,
			DirectMaxIdleConns: 1,
		})
	}

	topo, err := shard.NewTopology(cfg)
	require.NoError(t, err)

	reg, err := shard.NewRegistry(topo)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, database.MigrateAll(context.Background(), reg))

	store := database.NewShardedAccountStore(reg, time.Second)
	sessions := &fakeInvalidator{}

	orch := NewOrchestrator(topo, store, sessions, Config{
		WriteRetries:      3,
		RetryBackoff:      10 * time.Millisecond,
		SessionInvalidTTL: time.Hour,
	})

	return &testEnv{
		registry:     reg,
		topology:     topo,
		store:        store,
		sessions:     sessions,
		orchestrator: orch,
	}
}

func seedAccount(t *testing.T, env *testEnv, name shard.Name, id, country string) {
	t.Helper()
	require.NoError(t, env.store.UpsertOn(context.Background(), name, &models.Account{
		ID:          id,
		Email:       id + "@example.com",
		Role:        models.RoleCandidate,
		Status:      models.AccountStatusActive,
		CountryCode: country,
	}))
}

func TestOrchestrator_MigratesAcrossShards(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	seedAccount(t, env, "auth_shard_vn", "T1", "VN")

	event := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "VN",
		NewCountryCode:      "US",
		Timestamp:           time.Now(),
	}
	require.NoError(t, env.orchestrator.Handle(ctx, event))

	// Exactly one copy, in the destination, with the new country
	moved, err := env.store.GetOn(ctx, "auth_shard_na", "T1")
	require.NoError(t, err)
	assert.Equal(t, "US", moved.CountryCode)
	assert.Equal(t, "T1@example.com", moved.Email)

	_, err = env.store.GetOn(ctx, "auth_shard_vn", "T1")
	assert.ErrorIs(t, err, database.ErrAccountNotFound)

	// Outstanding tokens carry a stale country claim and were flagged
	assert.True(t, env.sessions.invalidated("T1"))
}

func TestOrchestrator_DuplicateDeliveryIsNoOp(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	seedAccount(t, env, "auth_shard_vn", "T1", "VN")

	event := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "VN",
		NewCountryCode:      "US",
		Timestamp:           time.Now(),
	}

	// At-least-once delivery: the same event arrives twice
	require.NoError(t, env.orchestrator.Handle(ctx, event))
	require.NoError(t, env.orchestrator.Handle(ctx, event))

	copies, err := env.store.LocateTenant(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, copies, 1, "exactly one copy must survive a duplicate delivery")
	assert.Contains(t, copies, shard.Name("auth_shard_na"))
	assert.Equal(t, "US", copies["auth_shard_na"].CountryCode)
}

func TestOrchestrator_StaleEventIsDiscarded(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// T1 already completed VN -> US; a stale SG -> VN event from an
	// earlier change arrives late and must be discarded, not applied.
	seedAccount(t, env, "auth_shard_na", "T1", "US")

	stale := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "SG",
		NewCountryCode:      "VN",
		Timestamp:           time.Now().Add(-time.Hour),
	}
	require.NoError(t, env.orchestrator.Handle(ctx, stale))

	copies, err := env.store.LocateTenant(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, "US", copies["auth_shard_na"].CountryCode)
}

func TestOrchestrator_MismatchedPreviousCountryIsDiscarded(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// TH and VN share a shard. The row's stored country is VN; an old
	// event claiming the tenant is leaving TH found the row in its
	// source shard but must still be rejected on the country value.
	seedAccount(t, env, "auth_shard_vn", "T1", "VN")

	event := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "TH",
		NewCountryCode:      "US",
		Timestamp:           time.Now(),
	}
	require.NoError(t, env.orchestrator.Handle(ctx, event))

	// Nothing moved
	got, getErr := env.store.GetOn(ctx, "auth_shard_vn", "T1")
	require.NoError(t, getErr)
	assert.Equal(t, "VN", got.CountryCode)
}

func TestOrchestrator_SameShardCountryChangeUpdatesInPlace(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// US and CA both live on auth_shard_na: nothing moves, the stored
	// country updates in place.
	seedAccount(t, env, "auth_shard_na", "T1", "US")

	event := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "US",
		NewCountryCode:      "CA",
		Timestamp:           time.Now(),
	}
	require.NoError(t, env.orchestrator.Handle(ctx, event))

	got, err := env.store.GetOn(ctx, "auth_shard_na", "T1")
	require.NoError(t, err)
	assert.Equal(t, "CA", got.CountryCode)

	copies, err := env.store.LocateTenant(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, copies, 1)
}

func TestOrchestrator_UnknownTenantIsAnError(t *testing.T) {
	env := setupEnv(t)

	event := models.PartitionChangeEvent{
		TenantID:            "ghost",
		PreviousCountryCode: "VN",
		NewCountryCode:      "US",
		Timestamp:           time.Now(),
	}
	err := env.orchestrator.Handle(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in any shard")
}

func TestOrchestrator_ConcurrentEventsForSameTenantSerialize(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	seedAccount(t, env, "auth_shard_vn", "T1", "VN")

	first := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "VN",
		NewCountryCode:      "US",
		Timestamp:           time.Now(),
	}
	second := models.PartitionChangeEvent{
		TenantID:            "T1",
		PreviousCountryCode: "US",
		NewCountryCode:      "SG",
		Timestamp:           time.Now(),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = env.orchestrator.Handle(ctx, first)
	}()
	go func() {
		defer wg.Done()
		_ = env.orchestrator.Handle(ctx, second)
	}()
	wg.Wait()

	// However the two interleave, exactly one copy survives
	copies, err := env.store.LocateTenant(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, copies, 1, "concurrent migrations for one tenant must not duplicate the row")
}

func TestReconciler_PrefersDestinationCopy(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// Simulated crash between WRITE_DESTINATION and DELETE_SOURCE: the
	// destination holds the migrated copy (country US, settled on
	// auth_shard_na), the source still holds the stale copy.
	seedAccount(t, env, "auth_shard_na", "T1", "US")
	seedAccount(t, env, "auth_shard_vn", "T1", "US")

	reconciler := NewReconciler(env.registry, env.store)
	repaired, err := reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	copies, err := env.store.LocateTenant(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Contains(t, copies, shard.Name("auth_shard_na"), "the settled destination copy must win")
}

func TestReconciler_NoDuplicatesIsNoOp(t *testing.T) {
	env := setupEnv(t)

	seedAccount(t, env, "auth_shard_vn", "T1", "VN")
	seedAccount(t, env, "auth_shard_na", "T2", "US")

	reconciler := NewReconciler(env.registry, env.store)
	repaired, err := reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, repaired)
}
