package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sealbid/auctiond/internal/auction"
	"github.com/sealbid/auctiond/internal/clock"
	"github.com/sealbid/auctiond/internal/config"
	"github.com/sealbid/auctiond/internal/health"
	"github.com/sealbid/auctiond/internal/httpapi"
	"github.com/sealbid/auctiond/internal/leader"
	"github.com/sealbid/auctiond/internal/notify"
	"github.com/sealbid/auctiond/internal/seal"
	"github.com/sealbid/auctiond/internal/store"
	"github.com/sealbid/auctiond/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/sealbid/auctiond/internal/store/entstore"
	_ "github.com/sealbid/auctiond/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (sqlx or ent).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Build the sealed-value coprocessor. With require_proofs enabled every
	// imported bid must carry a valid Groth16 proof of its commitment.
	var verifier seal.ProofVerifier
	if cfg.Auction.RequireProofs {
		_, v, setupErr := seal.Setup()
		if setupErr != nil {
			return fmt.Errorf("proof system setup: %w", setupErr)
		}
		verifier = v
		logger.InfoContext(ctx, "bid proof verification enabled")
	}
	coproc := seal.NewCoprocessor(verifier)

	// Notification sinks. Discord is optional; the log sink always runs.
	notifier := notify.Multi{&notify.LogNotifier{Logger: logger}}
	if cfg.Notify.Discord.Token != "" {
		discord, discordErr := notify.NewDiscord(cfg.Notify.Discord.Token, cfg.Notify.Discord.ChannelID)
		if discordErr != nil {
			return fmt.Errorf("connecting discord notifier: %w", discordErr)
		}
		defer discord.Close()
		notifier = append(notifier, discord)
		logger.InfoContext(ctx, "discord announcements enabled", slog.String("channel", cfg.Notify.Discord.ChannelID))
	}

	// Payouts are recorded with a reference id. Settlement against an
	// external payment rail replaces this transferer.
	transfer := auction.TransferFunc(func(ctx context.Context, to seal.Identity, amount uint64) (string, error) {
		ref := uuid.NewString()
		logger.InfoContext(ctx, "payout issued",
			slog.String("to", string(to)),
			slog.Uint64("amount", amount),
			slog.String("ref", ref))
		return ref, nil
	})

	ledger := auction.NewLedger(repos, coproc, coproc, transfer, notifier,
		seal.Identity(cfg.Auction.Operator), cfg.Auction.FeeBasisPoints,
		logger, tp.TracerProvider, clk)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	api := httpapi.NewServer(ledger, logger)

	// The API and health endpoints run on all replicas.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/", api)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// startSettlement is the core work that only the leader should run: the
	// in-memory auction state and the expiry sweeper must be single-writer.
	startSettlement := func(ctx context.Context) {
		// Recover in-flight auctions from the event store so that they
		// survive leader failover.
		if n, recoverErr := ledger.RecoverOpenAuctions(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
			return
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered open auctions", slog.Int("count", n))
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running (leader)", slog.String("version", version))

		ticker := time.NewTicker(cfg.Auction.SettlementInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				healthHandler.SetReady(false)
				return
			case <-ticker.C:
				if n, sweepErr := ledger.FinalizeExpired(ctx); sweepErr != nil {
					logger.ErrorContext(ctx, "settlement sweep failed", slog.Any("error", sweepErr))
				} else if n > 0 {
					logger.InfoContext(ctx, "settled expired auctions", slog.Int("count", n))
				}
			}
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, startSettlement, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		// No leader election, run directly.
		startSettlement(ctx)
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
