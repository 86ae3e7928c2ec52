package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/ledger-key-custody/accounts"
	"github.com/ruteri/ledger-key-custody/cache"
	"github.com/ruteri/ledger-key-custody/cmd/flags"
	"github.com/ruteri/ledger-key-custody/database"
	"github.com/ruteri/ledger-key-custody/httpserver"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/kms"
	"github.com/ruteri/ledger-key-custody/storage"
	"github.com/ruteri/ledger-key-custody/substitution"
	"github.com/ruteri/ledger-key-custody/verification"
	"github.com/urfave/cli/v2"
)

var serverFlags = append([]cli.Flag{
	flags.LogServiceFlagFn("ledger-key-custody"),
	flags.ListenAddrFlag,
	flags.DatabaseURLFlag,
	flags.DatabaseMaxConnsFlag,
	flags.RedisURLFlag,
	flags.CachePrefixFlag,
	flags.VaultProviderFlag,
	flags.VaultConfigFlag,
	flags.StorageFlag,
	flags.AdminKeysFileFlag,
	flags.UnlockTimeoutFlag,
	flags.KeyTimeoutFlag,
	flags.NonceCleanupIntervalFlag,
	flags.NonceRetentionFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "custody-server",
		Usage:  "Serve the ledger key custody and signature verification API",
		Flags:  serverFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	store, err := openStore(ctx, cCtx, logger)
	if err != nil {
		logger.Error("Failed to open store", "err", err)
		return err
	}
	defer store.Close()

	keyCache, closeCache, err := openCache(ctx, cCtx, logger)
	if err != nil {
		logger.Error("Failed to open cache", "err", err)
		return err
	}
	defer closeCache()

	vault, required, err := setupVault(cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure key vault providers", "err", err)
		return err
	}

	storageFactory := storage.NewStorageBackendFactory(logger)
	locations := make([]interfaces.StorageBackendLocation, 0, len(cCtx.StringSlice(flags.StorageFlag.Name)))
	for _, uri := range cCtx.StringSlice(flags.StorageFlag.Name) {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	backend, err := storageFactory.CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to configure blob storage", "err", err)
		return err
	}
	blobs := storage.NewSealedKeyBlobs(backend)

	subs := substitution.NewService(store, logger)
	orchestrator := accounts.NewOrchestrator(store, vault, blobs, keyCache, subs, logger)
	orchestrator.KeyTimeout = cCtx.Duration(flags.KeyTimeoutFlag.Name)
	engine := verification.NewEngine(store, keyCache, logger)

	admin, err := setupShareAdmin(cCtx, logger, vault)
	if err != nil {
		logger.Error("Failed to configure share admin", "err", err)
		return err
	}

	handler := httpserver.NewHandler(orchestrator, engine, subs, vault, keyCache, logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler, admin)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	if admin != nil {
		logger.Info("Waiting for locked providers to be unlocked", slog.Duration("timeout", cCtx.Duration(flags.UnlockTimeoutFlag.Name)))
		unlockCtx, unlockCancel := context.WithTimeout(ctx, cCtx.Duration(flags.UnlockTimeoutFlag.Name))
		err := admin.WaitForUnlock(unlockCtx)
		unlockCancel()
		if err != nil {
			logger.Error("Providers were not unlocked in time", "err", err)
			server.Shutdown()
			return err
		}
		logger.Info("All locked providers unlocked")
	}

	report := vault.Validate(ctx, required)
	if len(report.MissingRequired) > 0 || report.HealthyProviders == 0 {
		server.Shutdown()
		return fmt.Errorf("key vault configuration invalid: missing %v, %d healthy providers", report.MissingRequired, report.HealthyProviders)
	}
	costs := vault.CostAnalysis()
	logger.Info("Key vault ready",
		slog.Int("healthy_providers", report.HealthyProviders),
		slog.String("optimal_provider", costs.Optimal),
		slog.Float64("monthly_savings", costs.MonthlySavings))

	retention := cCtx.Duration(flags.NonceRetentionFlag.Name)
	if minRetention := verification.MinNonceRetention(engine.TimestampWindow); retention < minRetention {
		server.Shutdown()
		return fmt.Errorf("nonce retention %s is below the minimum of %s", retention, minRetention)
	}
	janitor := verification.NewNonceJanitor(store, logger)
	janitor.Interval = cCtx.Duration(flags.NonceCleanupIntervalFlag.Name)
	janitor.Retention = retention
	janitor.TimestampWindow = engine.TimestampWindow
	go janitor.Run(ctx)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Drain()
	cancel()
	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func openStore(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (interfaces.Store, error) {
	dsn := cCtx.String(flags.DatabaseURLFlag.Name)
	if dsn == "" {
		logger.Warn("No database configured, using in-memory store")
		return database.NewMemoryStore(), nil
	}

	store, err := database.NewPostgresStore(ctx, dsn, database.PostgresOpts{
		MaxConns:        int32(cCtx.Int(flags.DatabaseMaxConnsFlag.Name)),
		MaxConnLifetime: time.Hour,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func openCache(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (*cache.PublicKeyCache, func(), error) {
	redisURL := cCtx.String(flags.RedisURLFlag.Name)
	if redisURL == "" {
		return cache.NewPublicKeyCache(cache.NewMemoryBackend(cache.DefaultTTL, 10*time.Minute), logger), func() {}, nil
	}

	backend, err := cache.NewRedisBackendFromURL(ctx, redisURL, cCtx.String(flags.CachePrefixFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close redis client", "err", err)
		}
	}
	return cache.NewPublicKeyCache(backend, logger), closeFn, nil
}

// setupVault registers providers from the YAML configuration, or from
// --vault-provider URIs when no configuration file is given.
func setupVault(cCtx *cli.Context, logger *slog.Logger) (*kms.KeyVaultFactory, []string, error) {
	uris := cCtx.StringSlice(flags.VaultProviderFlag.Name)
	var required []string
	probeTimeout, callTimeout := kms.DefaultProbeTimeout, kms.DefaultCallTimeout

	if path := cCtx.String(flags.VaultConfigFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()

		cfg, err := kms.LoadProviderConfig(f)
		if err != nil {
			return nil, nil, err
		}
		uris = cfg.URIs()
		required = cfg.RequiredNames()
		if cfg.ProbeTimeout != "" {
			if probeTimeout, err = time.ParseDuration(cfg.ProbeTimeout); err != nil {
				return nil, nil, fmt.Errorf("invalid probe_timeout: %w", err)
			}
		}
		if cfg.CallTimeout != "" {
			if callTimeout, err = time.ParseDuration(cfg.CallTimeout); err != nil {
				return nil, nil, fmt.Errorf("invalid call_timeout: %w", err)
			}
		}
	}
	if len(uris) == 0 {
		return nil, nil, errors.New("no key vault providers configured")
	}

	providers, err := kms.NewProviderFactory(logger).ProvidersFor(uris)
	if err != nil {
		return nil, nil, err
	}

	vault := kms.NewKeyVaultFactory(logger, probeTimeout, callTimeout)
	for _, p := range providers {
		if err := vault.Register(p); err != nil {
			return nil, nil, err
		}
	}
	return vault, required, nil
}

// setupShareAdmin returns the admin API when some provider is locked.
func setupShareAdmin(cCtx *cli.Context, logger *slog.Logger, vault *kms.KeyVaultFactory) (*httpserver.ShareAdmin, error) {
	var locked []httpserver.ShareReceiver
	for _, p := range vault.Providers() {
		if r, ok := p.(httpserver.ShareReceiver); ok && !r.IsUnlocked() {
			locked = append(locked, r)
		}
	}
	if len(locked) == 0 {
		return nil, nil
	}

	path := cCtx.String(flags.AdminKeysFileFlag.Name)
	if path == "" {
		return nil, errors.New("admin-keys-file is required when a provider is started locked")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	adminKeys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Admin keys loaded", slog.Int("count", len(adminKeys)), slog.Int("locked_providers", len(locked)))

	return httpserver.NewShareAdmin(logger, adminKeys, locked...)
}
