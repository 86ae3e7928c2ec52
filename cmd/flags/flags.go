package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/ledger-key-custody/common"
	"github.com/ruteri/ledger-key-custody/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait before shutdown after being marked not ready",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"METRICS_ADDR"},
}
var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"LISTEN_ADDR"},
}

var DatabaseURLFlag = &cli.StringFlag{
	Name:    "database-url",
	Usage:   "PostgreSQL connection string; in-memory store when empty",
	EnvVars: []string{"DATABASE_URL"},
}
var DatabaseMaxConnsFlag = &cli.IntFlag{
	Name:  "database-max-conns",
	Value: 10,
	Usage: "maximum PostgreSQL pool connections",
}
var RedisURLFlag = &cli.StringFlag{
	Name:    "redis-url",
	Usage:   "Redis URL for the public key cache (redis://host:6379/0); in-process cache when empty",
	EnvVars: []string{"REDIS_URL"},
}
var CachePrefixFlag = &cli.StringFlag{
	Name:  "cache-prefix",
	Value: "ledger:",
	Usage: "key prefix for the public key cache",
}
var VaultProviderFlag = &cli.StringSliceFlag{
	Name:    "vault-provider",
	Usage:   "key vault provider URI (local://, vault://, awskms://); repeatable",
	EnvVars: []string{"VAULT_PROVIDERS"},
}
var VaultConfigFlag = &cli.StringFlag{
	Name:    "vault-config",
	Usage:   "YAML key vault provider configuration; takes precedence over --vault-provider",
	EnvVars: []string{"VAULT_CONFIG"},
}
var StorageFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Value:   cli.NewStringSlice("file:///var/lib/ledger-key-custody/blobs"),
	Usage:   "sealed key blob storage URI (file://, s3://); repeatable, blobs are written to all",
	EnvVars: []string{"STORAGE_URIS"},
}
var AdminKeysFileFlag = &cli.StringFlag{
	Name:  "admin-keys-file",
	Usage: "JSON file with admin public keys, required when a provider is started locked",
}
var UnlockTimeoutFlag = &cli.DurationFlag{
	Name:  "unlock-timeout",
	Value: 5 * time.Minute,
	Usage: "how long to wait for locked providers to be unlocked with shares",
}
var KeyTimeoutFlag = &cli.DurationFlag{
	Name:  "key-timeout",
	Value: 30 * time.Second,
	Usage: "time limit for creating a single account key",
}
var NonceCleanupIntervalFlag = &cli.DurationFlag{
	Name:  "nonce-cleanup-interval",
	Value: 5 * time.Minute,
	Usage: "interval between expired nonce cleanups",
}
var NonceRetentionFlag = &cli.DurationFlag{
	Name:  "nonce-retention",
	Value: 120 * time.Minute,
	Usage: "how long past expiry nonce rows are kept, at least twice the timestamp window",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
