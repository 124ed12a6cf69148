package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	bundleradapter "github.com/mboyle/agentpay/internal/adapter/driven/bundler"
	gatewayadapter "github.com/mboyle/agentpay/internal/adapter/driven/gateway"
	sqliteadapter "github.com/mboyle/agentpay/internal/adapter/driven/sqlite"
	httphandler "github.com/mboyle/agentpay/internal/adapter/driving/http"
	"github.com/mboyle/agentpay/internal/application"
	"github.com/mboyle/agentpay/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"session_duration", cfg.SessionDuration,
		"token", cfg.TokenAddress.Hex(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	sessionStore := sqliteadapter.NewSessionRepo(db, cfg.SecretKey)
	if cfg.SecretKey == nil {
		slog.Warn("no secret key configured, session writes will be refused until AGENTPAY_SECRET_KEY is set")
	}

	if !cfg.HasBundlerCredentials() {
		slog.Warn("no bundler credentials configured, session issuance and transfers unavailable")
	}
	ledger := bundleradapter.NewClient(cfg.BundlerURL, cfg.BundlerAPIKey, cfg.PolicyID, cfg.TokenAddress)
	gateway := gatewayadapter.NewClient(cfg.ResourceBase)

	// 6. Wire application services.
	installSvc := application.NewInstallService(ledger, sessionStore, application.InstallConfig{
		Modules: application.DescriptorModules{
			ValidationModuleAddress: cfg.ValidationModuleAddress,
			TimeRangeModuleAddress:  cfg.TimeRangeModuleAddress,
		},
		SessionDuration: cfg.SessionDuration,
	})
	transferSvc := application.NewTransferService(ledger, cfg.TokenDecimals)
	payGateSvc := application.NewPayGateService(gateway, transferSvc)
	orchestrator := application.NewOrchestrator(payGateSvc)

	// 7. Start the expired-session sweeper.
	sweepSvc := application.NewSweepService(sessionStore, cfg.SweepInterval)
	go sweepSvc.Start(ctx)

	// 8. Create HTTP handler and register routes.
	apiHandler := httphandler.NewHandler(
		installSvc,
		transferSvc,
		orchestrator,
		sessionStore,
		cfg.ValidationModuleAddress,
		slog.Default(),
	)
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Settlement polling can hold a transfer request open for minutes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("agentpay started",
		"listen_addr", cfg.ListenAddr,
		"sweep_interval", cfg.SweepInterval,
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout to drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
