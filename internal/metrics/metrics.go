package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Auth service metrics collectors
var (
	// Tokens

	TokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_validations_total",
			Help: "Total number of token validation attempts",
		},
		[]string{"status"},
	)

	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type"},
	)

	// Shard routing

	ScatterRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_shard_scatter_requests_total",
			Help: "Total number of scatter-gather lookups across shards",
		},
		[]string{"status"},
	)

	ScatterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_shard_scatter_duration_seconds",
			Help:    "Scatter-gather lookup duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Migrations

	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_shard_migrations_total",
			Help: "Total number of account shard migrations by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_shard_migration_duration_seconds",
			Help:    "Account shard migration duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Accounts

	AccountsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_accounts_total",
			Help: "Current number of accounts per shard",
		},
		[]string{"shard"},
	)
)
