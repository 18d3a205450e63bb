package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/aegis-gate/aegisgate/internal/adapter/inbound/http"
	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/cel"
	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/connectors"
	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/memory"
	"github.com/aegis-gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/aegis-gate/aegisgate/internal/config"
	"github.com/aegis-gate/aegisgate/internal/domain/audit"
	"github.com/aegis-gate/aegisgate/internal/domain/auth"
	"github.com/aegis-gate/aegisgate/internal/domain/connector"
	"github.com/aegis-gate/aegisgate/internal/domain/policy"
	"github.com/aegis-gate/aegisgate/internal/domain/signing"
	"github.com/aegis-gate/aegisgate/internal/domain/token"
	"github.com/aegis-gate/aegisgate/internal/domain/vault"
	"github.com/aegis-gate/aegisgate/internal/service"
)

// manifestCacheTTL bounds how stale an active manifest can be after an
// out-of-band activation.
const manifestCacheTTL = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the Aegis Gate policy gateway.

The gateway serves the agent API (evaluate, execute), the operator API
(approvals) and the audit API (records, chain verification, export) on
a single listen address.

Examples:
  # Start with config file settings
  aegis-gate start

  # Start with a specific config file
  aegis-gate --config /path/to/config.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	keys, err := signing.LoadOrGenerate(cfg.SigningKey, cfg.Environment, cfg.DevKeyPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	codec := token.NewCodec(keys)

	manifestStore := sqlite.NewManifestStore(db)
	manifests := memory.NewManifestCache(manifestStore, manifestCacheTTL)
	approvalStore := sqlite.NewApprovalStore(db)
	auditStore := sqlite.NewAuditStore(db)
	counterStore := sqlite.NewCounterStore(db)
	secretStore := sqlite.NewSecretStore(db)
	authStore := sqlite.NewAuthStore(db)

	// Without a vault key, {{secret}} references in tool configs cannot
	// resolve. Config validation requires the key outside development.
	var secrets connector.SecretResolver
	if cfg.VaultKey != "" {
		v, err := vault.New([]byte(cfg.VaultKey), secretStore)
		if err != nil {
			return fmt.Errorf("failed to open vault: %w", err)
		}
		secrets = v
	} else {
		logger.Warn("no vault key configured, secret references disabled")
	}

	invoker := connectors.New(connectors.Config{
		Resolver:             connectors.NewResolver(),
		Secrets:              secrets,
		GlobalAllowedDomains: cfg.AllowedWebhookDomains,
		Timeout:              time.Duration(cfg.ConnectorTimeoutSeconds) * time.Second,
		Logger:               logger,
	})

	conditions, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}

	engine := policy.NewEngine(policy.Config{
		Codec:           codec,
		Approvals:       approvalStore,
		Budget:          counterStore,
		Conditions:      conditions,
		DefaultDailyCap: cfg.DefaultDailyBudget,
		Logger:          logger,
	})

	gateway := service.NewGatewayService(service.GatewayConfig{
		Manifests:   manifests,
		Engine:      engine,
		Approvals:   approvalStore,
		Budget:      counterStore,
		Appender:    audit.NewAppender(auditStore, keys),
		Invoker:     invoker,
		ApprovalTTL: time.Duration(cfg.ApprovalExpiryHours) * time.Hour,
		Logger:      logger,
	})
	approvalService := service.NewApprovalService(approvalStore, codec, logger)
	auditService := service.NewAuditService(auditStore, keys, logger)
	authService := auth.NewService(authStore)

	limiter := memory.NewRateLimiter(logger)
	limiter.StartCleanup(ctx)
	defer limiter.Close()

	if cfg.ManifestSeedDir != "" {
		if err := service.SeedManifests(ctx, cfg.ManifestSeedDir, manifestStore, logger); err != nil {
			logger.Error("manifest seeding failed", "dir", cfg.ManifestSeedDir, "error", err)
			// Non-fatal: already-seeded manifests still serve.
		}
	}

	srv := httpapi.NewServer(httpapi.Config{
		Gateway:         gateway,
		Approvals:       approvalService,
		Audit:           auditService,
		Auth:            authService,
		Limiter:         limiter,
		DB:              db,
		MaxRequestBytes: cfg.MaxRequestBytes,
		CORSOrigins:     cfg.CORSOrigins,
		Logger:          logger,
	})

	shutdownTimeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		shutdownTimeout = 10 * time.Second
		logger.Warn("invalid shutdown_timeout, using default",
			"value", cfg.Server.ShutdownTimeout, "default", "10s")
	}

	httpServer := &stdhttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("aegis-gate starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"environment", cfg.Environment,
		"database", cfg.DatabaseURL,
		"public_key", keys.PublicKeyB64(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("aegis-gate stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
