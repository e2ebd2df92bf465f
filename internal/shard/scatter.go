package shard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"github.com/dltrh/devision-auth/internal/metrics"
)

var (
	// ErrNotFound means no shard holds the identifier
	ErrNotFound = errors.New("identifier not found in any shard")

	// ErrAmbiguousIdentity means more than one shard holds the
	// identifier. Lookup keys are globally unique, so this is a
	// data-integrity violation and must never be resolved by silently
	// picking one copy.
	ErrAmbiguousIdentity = errors.New("identifier found in multiple shards")

	// ErrShardUnavailable means at least one shard failed or timed out
	// during the fan-out. Lookups fail closed: a shard that did not
	// answer can never be counted as "not found".
	ErrShardUnavailable = errors.New("one or more shards unavailable during lookup")
)

// LookupFunc runs the per-shard probe on the shard's direct pool. It
// reports whether the shard holds a match.
type LookupFunc[T any] func(ctx context.Context, shard Name, db *bun.DB) (T, bool, error)

type scatterResult[T any] struct {
	shard Name
	value T
	found bool
	err   error
}

// Gather runs the probe against every shard concurrently, one direct-pool
// connection per shard, each under its own timeout. Total latency tracks
// the slowest responsive shard rather than the sum.
//
// The partial-failure policy is fail-closed: the aggregate succeeds only
// when exactly one shard answered positively and every other shard
// answered negatively within the timeout. Any shard error or timeout fails
// the whole lookup, even when a match was found, because authentication
// must not act on an answer the absent shards could contradict.
func Gather[T any](ctx context.Context, reg *Registry, timeout time.Duration, fn LookupFunc[T]) (T, Name, error) {
	var zero T

	names := reg.topology.Names()
	results := make(chan scatterResult[T], len(names))

	var wg sync.WaitGroup
	start := time.Now()
	for _, name := range names {
		db, err := reg.DirectDB(name)
		if err != nil {
			results <- scatterResult[T]{shard: name, err: err}
			continue
		}

		wg.Add(1)
		go func(name Name, db *bun.DB) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			value, found, err := fn(probeCtx, name, db)
			results <- scatterResult[T]{shard: name, value: value, found: found, err: err}
		}(name, db)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		match    scatterResult[T]
		matches  int
		degraded []Name
	)
	for res := range results {
		switch {
		case res.err != nil:
			degraded = append(degraded, res.shard)
			log.Warn().
				Err(res.err).
				Str("shard", string(res.shard)).
				Msg("Shard degraded during scatter lookup")
		case res.found:
			matches++
			match = res
		}
	}

	metrics.ScatterDuration.Observe(time.Since(start).Seconds())

	if matches > 1 {
		metrics.ScatterRequestsTotal.WithLabelValues("ambiguous").Inc()
		log.Error().Int("matches", matches).Msg("Scatter lookup matched multiple shards")
		return zero, "", ErrAmbiguousIdentity
	}

	if len(degraded) > 0 {
		metrics.ScatterRequestsTotal.WithLabelValues("degraded").Inc()
		return zero, "", ErrShardUnavailable
	}

	if matches == 0 {
		metrics.ScatterRequestsTotal.WithLabelValues("miss").Inc()
		return zero, "", ErrNotFound
	}

	metrics.ScatterRequestsTotal.WithLabelValues("hit").Inc()
	return match.value, match.shard, nil
}
