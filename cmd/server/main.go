package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keyquorum/internal/api"
	"keyquorum/internal/chain"
	"keyquorum/internal/config"
	"keyquorum/internal/dispatch"
	"keyquorum/internal/evidence"
	"keyquorum/internal/jobs"
	"keyquorum/internal/monitor"
	"keyquorum/internal/proxy"
	"keyquorum/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Database backs the ledgers and the job queues; nothing works without it.
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required (or set DATABASE_URL)")
	}
	db, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	runs := storage.NewRunLedger(db, cfg.Store.TTL, cfg.Store.ApprovedRetention)
	shards := storage.NewShardVault(db, cfg.Store.TTL)
	queue := storage.NewJobQueue(db)

	janitor := storage.NewJanitor(db, cfg.Store.JanitorInterval)
	janitor.Start(ctx)

	// Object store for sealed share publications and evidence bundles.
	objects, err := evidence.New(cfg.Objects.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("object store client failed")
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Warn().Err(err).Str("bucket", cfg.Objects.Bucket).Msg("bucket check failed, continuing")
	}

	// Loopback RPC proxy for operator tooling (token never leaves this
	// process).
	var rpcProxy *proxy.RPCProxy
	if cfg.Chain.RPCProxyPort > 0 {
		token := os.Getenv("CHAIN_RPC_TOKEN")
		if token == "" {
			log.Warn().Msg("rpc_proxy_port set but no CHAIN_RPC_TOKEN in env; proxy will forward without auth")
		}

		// Callers present this as x-rpc-secret; if it leaks it is useless
		// against the provider directly.
		secret := os.Getenv("CHAIN_RPC_PROXY_SECRET")
		if secret == "" {
			secretBytes := make([]byte, 32)
			if _, err := rand.Read(secretBytes); err != nil {
				log.Fatal().Err(err).Msg("failed to generate proxy secret")
			}
			secret = hex.EncodeToString(secretBytes)
			log.Info().Str("secret", secret).Msg("generated per-startup rpc proxy secret")
		}

		rpcProxy, err = proxy.New(cfg.Chain.RPCProxyPort, cfg.Chain.RPCEndpoint, token, secret)
		if err != nil {
			log.Fatal().Err(err).Msg("rpc proxy setup failed")
		}
		if err := rpcProxy.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Chain.RPCProxyPort).Msg("failed to start rpc proxy")
		}
		log.Info().Int("port", cfg.Chain.RPCProxyPort).Msg("rpc proxy listening")
	}

	// Chain side: RPC client, transaction signer, registry contract.
	rpc := chain.NewRPCClient(cfg.Chain.RPCEndpoint, metrics)
	signer, err := chain.NewSigner(cfg.Chain.OperatorKey, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid operator key")
	}
	contract := chain.NewCommitteeContract(rpc, signer, cfg.Chain.CommitteeAddress)

	if err := contract.EnsureCommitteeRole(ctx, cfg.Committee.Address); err != nil {
		log.Warn().Err(err).
			Str("committee", cfg.Committee.Address).
			Msg("committee role check failed, submissions may be rejected")
	}

	thresholds := chain.NewThresholdProvider(contract, cfg.Chain.ThresholdCacheAge)
	processor := dispatch.NewRunRequestProcessor(runs, shards, queue, thresholds, cfg.Committee.Address, metrics)

	// Queue workers: shard delivery and run approval.
	deliverer := jobs.NewDeliverer(shards, objects, contract, cfg.Committee.Address, metrics)
	approver := jobs.NewApprover(runs, objects, contract, metrics)

	deliverWorker := jobs.NewWorker(queue, jobs.QueueDeliverShard, deliverer.Handle, cfg.Queues.PollInterval, metrics)
	approveWorker := jobs.NewWorker(queue, jobs.QueueApproveRun, approver.Handle, cfg.Queues.PollInterval, metrics)
	deliverWorker.Start(ctx)
	approveWorker.Start(ctx)

	// Event ingestion from the chain, push with poll fallback.
	ingestor := chain.NewIngestor(rpc, cfg.Chain.LicenseAddress, processor, cfg.Chain.PollInterval, cfg.Chain.PushEnabled, metrics)
	if err := ingestor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("event ingestor failed to start")
	}

	handlers := api.NewHandlers(runs, shards, queue, processor, metrics, cfg.Committee.ShardIntakeEnabled, cfg.Store.TTL)
	server := api.NewServer(cfg, handlers, db, objects, ingestor, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		ingestor.Stop()
		deliverWorker.Stop()
		approveWorker.Stop()
		janitor.Stop()

		if rpcProxy != nil {
			if err := rpcProxy.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("rpc proxy shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("committee", cfg.Committee.Address).
		Str("license_contract", cfg.Chain.LicenseAddress).
		Str("committee_contract", cfg.Chain.CommitteeAddress).
		Bool("push_enabled", cfg.Chain.PushEnabled).
		Bool("shard_intake", cfg.Committee.ShardIntakeEnabled).
		Msg("committee node starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
