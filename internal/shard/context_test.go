package shard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_SetAndCurrent(t *testing.T) {
	ctx := NewContext(context.Background())

	_, ok := Current(ctx)
	assert.False(t, ok, "fresh slot must be empty")

	require.True(t, Set(ctx, "auth_shard_vn"))

	name, ok := Current(ctx)
	assert.True(t, ok)
	assert.Equal(t, Name("auth_shard_vn"), name)

	// Contexts derived from the slot context share the slot
	derived := context.WithValue(ctx, contextKey("other"), "x")
	name, ok = Current(derived)
	assert.True(t, ok)
	assert.Equal(t, Name("auth_shard_vn"), name)
}

func TestContext_SetWithoutSlot(t *testing.T) {
	// A context without a slot silently routes to the default shard;
	// Set reports the missing slot so entry points can catch it.
	assert.False(t, Set(context.Background(), "auth_shard_vn"))

	_, ok := Current(context.Background())
	assert.False(t, ok)

	// Clear on a slotless context must not panic
	Clear(context.Background())
}

func TestContext_Clear(t *testing.T) {
	ctx := NewContext(context.Background())
	Set(ctx, "auth_shard_vn")
	Clear(ctx)

	_, ok := Current(ctx)
	assert.False(t, ok, "cleared slot must be empty")
}

func TestContext_CurrentOrDefault(t *testing.T) {
	topo, err := NewTopology(testShardingConfig())
	require.NoError(t, err)

	// No slot at all
	assert.Equal(t, Name("auth_shard_sg"), topo.CurrentOrDefault(context.Background()))

	// Slot installed but unset
	ctx := NewContext(context.Background())
	assert.Equal(t, Name("auth_shard_sg"), topo.CurrentOrDefault(ctx))

	// Slot set
	Set(ctx, "auth_shard_na")
	assert.Equal(t, Name("auth_shard_na"), topo.CurrentOrDefault(ctx))

	// Cleared again
	Clear(ctx)
	assert.Equal(t, Name("auth_shard_sg"), topo.CurrentOrDefault(ctx))
}

func TestContext_ClearRunsOnErrorPaths(t *testing.T) {
	topo, err := NewTopology(testShardingConfig())
	require.NoError(t, err)

	ctx := NewContext(context.Background())

	failing := func(ctx context.Context) (err error) {
		Set(ctx, "auth_shard_vn")
		defer Clear(ctx)
		return errors.New("unit of work failed")
	}

	require.Error(t, failing(ctx))

	_, ok := Current(ctx)
	assert.False(t, ok, "slot must be cleared after a failed unit of work")
	assert.Equal(t, Name("auth_shard_sg"), topo.CurrentOrDefault(ctx))
}

func TestContext_ClearRunsOnPanic(t *testing.T) {
	ctx := NewContext(context.Background())

	func() {
		defer func() { recover() }()
		Set(ctx, "auth_shard_vn")
		defer Clear(ctx)
		panic("handler blew up")
	}()

	_, ok := Current(ctx)
	assert.False(t, ok, "slot must be cleared even when the unit of work panics")
}

func TestContext_NoLeakBetweenOperations(t *testing.T) {
	base := context.Background()

	first := NewContext(base)
	Set(first, "auth_shard_vn")

	// A second unit of work on the same base context gets its own slot
	second := NewContext(base)
	_, ok := Current(second)
	assert.False(t, ok, "slots must not be shared across unrelated operations")
}
