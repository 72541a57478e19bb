// Command gatewayd is the gateway proxy core's process entry point: it
// loads config, opens the store, wires every collaborator package, and
// serves the HTTP proxy plus a Prometheus metrics endpoint until signaled
// to shut down.
//
// Usage:
//
//	gatewayd serve                       # start the gateway
//	gatewayd serve --config gateway.yaml # load a config file first
//	gatewayd migrate                     # apply pending database migrations
//	gatewayd version                     # print build metadata
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	sqlitedriver "github.com/glebarez/sqlite"
	mysqldriver "gorm.io/driver/mysql"
	postgresdriver "gorm.io/driver/postgres"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gatewayhttp"
	"github.com/aio-labs/cligateway/gwconfig"
	"github.com/aio-labs/cligateway/internal/server"
	"github.com/aio-labs/cligateway/internal/telemetry"
	"github.com/aio-labs/cligateway/logpipeline"
	"github.com/aio-labs/cligateway/oauth"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/recentcache"
	"github.com/aio-labs/cligateway/rewriter"
	"github.com/aio-labs/cligateway/session"
	"github.com/aio-labs/cligateway/spendlimit"
	"github.com/aio-labs/cligateway/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	requestLogQueueSize      = 4096
	circuitSnapshotQueueSize = 512
	recentCacheTTL           = 60 * time.Second
	sessionIDCacheTTL        = 10 * time.Minute
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.Parse(args)

	cfg, err := gwconfig.NewLoader().WithConfigPath(*configPath).WithValidator((*gwconfig.Config).Validate).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting gatewayd",
		zap.String("version", Version), zap.String("build_time", BuildTime), zap.String("git_commit", GitCommit))

	telemetryProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
		telemetryProviders = &telemetry.Providers{}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryProviders.Shutdown(shutdownCtx)
	}()

	db, sqlDB, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	if cfg.Database.Driver == "sqlite" {
		if err := store.MigrateDB(sqlDB); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	} else {
		logger.Warn("automatic migrations are only wired for sqlite; apply migrations out-of-band for this driver",
			zap.String("driver", cfg.Database.Driver))
	}

	st, err := store.NewGormStore(db, store.DefaultPoolConfig(), logger)
	if err != nil {
		logger.Fatal("failed to construct store", zap.Error(err))
	}
	defer st.Close()

	realClock := clock.Real{}

	registry := prometheus.NewRegistry()
	metrics := logpipeline.NewMetrics("aio_gateway", registry)
	requestLogs := logpipeline.NewRequestLogWriter(st, requestLogQueueSize, "aio_gateway", metrics, logger)
	defer requestLogs.Stop()
	circuitSnapshots := logpipeline.NewCircuitSnapshotWriter(st, circuitSnapshotQueueSize, "aio_gateway", metrics, logger)
	defer circuitSnapshots.Stop()

	breaker := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration,
	}, realClock, circuitSnapshots, logger)

	ctx := context.Background()
	snapshots, err := st.LoadAllCircuitSnapshots(ctx)
	if err != nil {
		logger.Warn("failed to load circuit breaker snapshots, starting all providers closed", zap.Error(err))
	} else {
		cbSnapshots := make([]circuitbreaker.Snapshot, 0, len(snapshots))
		for _, s := range snapshots {
			state := circuitbreaker.StateClosed
			switch s.State {
			case "open":
				state = circuitbreaker.StateOpen
			case "half_open":
				state = circuitbreaker.StateHalfOpen
			}
			cbSnapshots = append(cbSnapshots, circuitbreaker.Snapshot{
				ProviderID: s.ProviderID, State: state, FailureCount: s.FailureCount,
				OpenUntil: s.OpenUntil, UpdatedAt: s.UpdatedAt,
			})
		}
		breaker.LoadSnapshots(cbSnapshots)
	}

	httpClient := &http.Client{Timeout: 0} // per-request timeouts are enforced by the router and streaming tee

	deps := gatewayhttp.Deps{
		Config:         cfg,
		Store:          st,
		Logger:         logger,
		Clock:          realClock,
		HTTPClient:     httpClient,
		Sessions:       session.NewManager(realClock),
		Breaker:        breaker,
		SpendGate:      spendlimit.NewGate(st, realClock, time.Local),
		BaseURLs:       provider.NewBaseURLSelector(httpClient, realClock, cfg.Upstream.BaseURLPingCacheTTL, cfg.Upstream.BaseURLPingTimeout),
		OAuthResolver:  oauth.NewResolver(st, httpClient, realClock, logger),
		RecentCache:    recentcache.New(recentCacheTTL, realClock),
		SessionIDCache: rewriter.NewSessionIDCache(sessionIDCacheTTL, realClock),
		RequestLogs:    requestLogs,
		AppName:        "aio-gateway",
		Version:        Version,
	}
	handler := gatewayhttp.NewHandler(deps)

	middlewares := []gatewayhttp.Middleware{gatewayhttp.Recovery(logger), gatewayhttp.RequestLogger(logger)}
	if cfg.Telemetry.Enabled {
		middlewares = append(middlewares, gatewayhttp.OTelTracing(cfg.Telemetry.ServiceName))
	}
	chained := gatewayhttp.Chain(handler, middlewares...)

	httpManager := server.NewManager(chained, server.Config{
		BindAddr:        cfg.Server.BindAddr,
		PreferredPort:   cfg.Server.PreferredPort,
		MaxPort:         cfg.Server.MaxPort,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := httpManager.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	if boundPort := httpManager.BoundPort(); boundPort != cfg.Server.PreferredPort {
		if err := st.UpdateProviderPreferredPort(ctx, boundPort); err != nil {
			logger.Warn("failed to persist fallback bound port", zap.Error(err))
		}
	}
	logger.Info("HTTP server started", zap.Int("port", httpManager.BoundPort()))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsManager := server.NewManager(metricsMux, server.Config{
		BindAddr:        cfg.Server.BindAddr,
		PreferredPort:   cfg.Server.MetricsPort,
		MaxPort:         cfg.Server.MetricsPort + 100,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		IdleTimeout:     30 * time.Second,
	}, logger)
	if err := metricsManager.Start(); err != nil {
		logger.Warn("failed to start metrics server", zap.Error(err))
	} else {
		logger.Info("metrics server started", zap.Int("port", metricsManager.BoundPort()))
	}

	httpManager.WaitForShutdown()
	_ = metricsManager.Shutdown(context.Background())

	logger.Info("gatewayd stopped")
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.Parse(args)

	cfg, err := gwconfig.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Driver != "sqlite" {
		fmt.Fprintf(os.Stderr, "migrate is only wired for the sqlite driver (got %q)\n", cfg.Database.Driver)
		os.Exit(1)
	}

	_, sqlDB, err := openDatabase(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	if err := store.MigrateDB(sqlDB); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("migrations applied")
}

func printVersion() {
	fmt.Printf("gatewayd %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`gatewayd - local multi-CLI LLM gateway proxy core

Usage:
  gatewayd <command> [options]

Commands:
  serve     Start the gateway's HTTP proxy and metrics server
  migrate   Apply pending database migrations
  version   Print build metadata
  help      Show this help message

Options for 'serve'/'migrate':
  --config <path>   Path to a YAML config file`)
}

func initLogger(cfg gwconfig.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := cfg.Format
	if encoding == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// openDatabase opens a *gorm.DB (and its underlying *sql.DB, for migrate)
// per the configured driver. sqlite uses the pure-Go glebarez driver so the
// gateway ships without cgo.
func openDatabase(cfg gwconfig.DatabaseConfig) (*gorm.DB, *sql.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgresdriver.Open(cfg.DSN())
	case "mysql":
		dialector = mysqldriver.Open(cfg.DSN())
	case "sqlite", "":
		dialector = sqlitedriver.Open(cfg.DSN())
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}
	sqlDBHandle, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return db, sqlDBHandle, nil
}
