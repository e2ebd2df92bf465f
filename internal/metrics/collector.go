package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// AccountCounter reports the number of accounts held by each shard
type AccountCounter interface {
	CountByShard(ctx context.Context) (map[string]int, error)
}

// Collector periodically updates gauge metrics from shard state
type Collector struct {
	counter  AccountCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(counter AccountCounter, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &Collector{
		counter:  counter,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic metrics collection
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts periodic collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.counter.CountByShard(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to collect account counts")
		return
	}

	for shard, count := range counts {
		AccountsTotal.WithLabelValues(shard).Set(float64(count))
	}
}
