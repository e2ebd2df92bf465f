package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlagStore_SetAndExpire(t *testing.T) {
	store := NewFlagStore()
	defer store.Close()

	store.Set("revoked:token-1", 50*time.Millisecond)
	assert.True(t, store.IsSet("revoked:token-1"))
	assert.False(t, store.IsSet("revoked:token-2"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, store.IsSet("revoked:token-1"), "flag must expire with its TTL")
}

func TestFlagStore_Delete(t *testing.T) {
	store := NewFlagStore()
	defer store.Close()

	store.Set("invalidated:tenant-1", time.Hour)
	assert.True(t, store.IsSet("invalidated:tenant-1"))

	store.Delete("invalidated:tenant-1")
	assert.False(t, store.IsSet("invalidated:tenant-1"))
}

func TestFlagStore_DeleteExpired(t *testing.T) {
	store := NewFlagStore()
	defer store.Close()

	store.Set("a", 10*time.Millisecond)
	store.Set("b", time.Hour)

	time.Sleep(30 * time.Millisecond)
	store.deleteExpired()

	store.mu.RLock()
	defer store.mu.RUnlock()
	assert.NotContains(t, store.entries, "a")
	assert.Contains(t, store.entries, "b")
}
