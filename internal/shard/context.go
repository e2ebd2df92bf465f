package shard

import (
	"context"
	"sync"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const slotKey contextKey = "shard_slot"

// slot is the per-operation holder of the active shard. It is installed
// once per unit of work and shared by every context derived from it, so a
// handler can set the shard after middleware ran and repositories lower in
// the call chain still see it. The mutex covers the rare case of a handler
// fanning out goroutines that share the request context.
type slot struct {
	mu   sync.Mutex
	name Name
	set  bool
}

// NewContext installs a fresh, empty shard slot. Every entry point must
// call this exactly once per unit of work; contexts derived from the
// returned context share the slot.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, slotKey, &slot{})
}

func slotFrom(ctx context.Context) *slot {
	s, _ := ctx.Value(slotKey).(*slot)
	return s
}

// Set records the active shard for the current unit of work. It reports
// false when the context carries no slot, which means the caller skipped
// NewContext and the operation would silently run against the default
// shard.
func Set(ctx context.Context, name Name) bool {
	s := slotFrom(ctx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.name = name
	s.set = true
	s.mu.Unlock()
	return true
}

// Current returns the shard recorded for this unit of work, and whether
// one was recorded at all.
func Current(ctx context.Context) (Name, bool) {
	s := slotFrom(ctx)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name, s.set
}

// Clear empties the slot. Entry points that set a shard must arrange for
// Clear to run when the unit of work completes, including on error paths,
// so state cannot leak into the next operation served by a pooled worker.
func Clear(ctx context.Context) {
	s := slotFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.name = ""
	s.set = false
	s.mu.Unlock()
}

// CurrentOrDefault resolves the shard for database calls in this unit of
// work. It never fails: an unset slot (or a context with no slot at all)
// degrades to the topology's default shard.
func (t *Topology) CurrentOrDefault(ctx context.Context) Name {
	if name, ok := Current(ctx); ok {
		return name
	}
	return t.defaultShard
}
