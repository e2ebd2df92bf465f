package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dltrh/devision-auth/internal/auth"
	"github.com/dltrh/devision-auth/internal/database"
	"github.com/dltrh/devision-auth/internal/metrics"
	"github.com/dltrh/devision-auth/internal/migration"
	"github.com/dltrh/devision-auth/internal/server"
	"github.com/dltrh/devision-auth/internal/shard"
	"github.com/dltrh/devision-auth/pkg/config"
)

func init() {
	// Configure zerolog for human-friendly console output
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	configFile := config.FindConfigFile("authd")
	envFile := config.FindEnvironmentFile("authd")

	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	cfg.Log.ConfigureZerolog()

	log.Info().Msg("Starting auth service")
	log.Info().Str("config_file", configFile).Msg("Configuration loaded")

	// Shard topology is static configuration: a broken layout is fatal
	// at boot, never retried.
	topology, err := shard.NewTopology(cfg.Sharding)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid shard topology")
	}

	registry, err := shard.NewRegistry(topology, shard.WithDebug(cfg.Log.Debug))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open shard pools")
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close shard pools")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.MigrateAll(ctx, registry); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate shard schemas")
	}

	flags := auth.NewFlagStore()
	defer flags.Close()

	tokens := auth.NewTokenService(
		cfg.Auth.JWTSecretKey,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
		flags,
	)

	accounts := database.NewAccountRepository(registry)
	store := database.NewShardedAccountStore(registry, cfg.Sharding.ScatterTimeout)

	// Partition-change consumption
	queue := migration.NewMemoryQueue(cfg.Migration.QueueSize)
	defer queue.Close()

	orchestrator := migration.NewOrchestrator(topology, store, tokens, migration.Config{
		WriteRetries:      cfg.Migration.WriteRetries,
		RetryBackoff:      cfg.Migration.RetryBackoff,
		SessionInvalidTTL: cfg.Migration.SessionInvalidTTL,
	})
	consumer := migration.NewConsumer(queue, orchestrator)
	go consumer.Run(ctx)

	collector := metrics.NewCollector(store, 30*time.Second)
	go collector.Start(ctx)
	defer collector.Stop()

	middleware := auth.NewMiddleware(tokens, topology)
	srv := server.New(topology, accounts, store, tokens)
	router := srv.Router(middleware)

	httpSrv := &http.Server{
		Addr:         cfg.GetListenAddress(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.GetListenAddress()).Msg("Auth service listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
