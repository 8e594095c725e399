package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeeeWayyy/trading-platform-sub016/config"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/api"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/database"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/execution"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/notification"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/telemetry"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/twap"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/vault"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/webhook"
)

func main() {
	configPath := flag.String("config", getenv("CONFIG_PATH", "config.yaml"), "path to a JSON or YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.Default()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize structured logging
	logger := logging.New(&cfg.Logging)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Overlay secrets from Vault
	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Vault client")
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.LoadInto(ctx, cfg); err != nil {
			logger.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
		logger.Info().Str("path", cfg.Vault.SecretPath).Msg("Secrets loaded from Vault")
	}

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	loc := time.UTC
	if cfg.Trading.TradeTimezone != "" {
		if loc, err = time.LoadLocation(cfg.Trading.TradeTimezone); err != nil {
			logger.Fatal().Err(err).Str("timezone", cfg.Trading.TradeTimezone).Msg("Invalid trade timezone")
		}
	}

	eventBus := events.NewEventBus()

	// Order store: Postgres when configured, otherwise process memory
	var (
		store orders.OrderStore
		repo  *database.Repository
		db    *database.DB
	)
	if cfg.Database.Enabled() {
		db, err = database.NewDB(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		repo = database.NewRepository(db, logger)
		store = repo
	} else {
		logger.Warn().Msg("No database configured, using in-memory order store")
		store = orders.NewMemoryStore(logger)
	}

	// Breaker state and TWAP cancel flags: Redis when enabled
	var (
		breakerStore circuit.StateStore
		cancelFlags  twap.CancelFlags
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("Failed to connect to Redis")
		}
		breakerStore = circuit.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		cancelFlags = twap.NewRedisCancelFlags(rdb, cfg.Redis.KeyPrefix, 0)
	} else {
		logger.Warn().Msg("Redis disabled, breaker state and cancel flags are process-local")
		breakerStore = circuit.NewMemoryStore()
		cancelFlags = twap.NewMemoryCancelFlags()
	}

	// Broker
	var rawBroker broker.Broker
	switch cfg.Broker.Provider {
	case "alpaca":
		rawBroker = broker.NewAlpacaBroker(broker.AlpacaConfig{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			BaseURL:   cfg.Broker.BaseURL,
			Timeout:   cfg.Broker.Timeout(),
		}, logger)
	default:
		logger.Warn().Str("provider", cfg.Broker.Provider).Msg("Using in-memory mock broker")
		rawBroker = broker.NewMockBroker()
	}
	brk := broker.NewInstrumented(rawBroker)

	// Circuit breaker
	breaker := circuit.NewBreaker(breakerStore, circuit.Options{
		QuietPeriod: cfg.CircuitBreaker.QuietPeriod(),
		Location:    loc,
	}, logger)
	breaker.OnTransition(func(rec circuit.Record, entry circuit.AuditEntry) {
		reason := ""
		if rec.TripReason != nil {
			reason = *rec.TripReason
		}
		eventBus.PublishCircuitBreaker(string(rec.State), entry.Action, reason, entry.Actor)
		if repo != nil {
			if err := repo.InsertBreakerAudit(context.Background(), entry); err != nil {
				logger.Error().Err(err).Msg("Failed to mirror breaker audit")
			}
		}
	})
	if _, err := breaker.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize circuit breaker")
	}

	monitor := risk.NewPostTradeMonitor(risk.MonitorConfig{
		Interval:       cfg.CircuitBreaker.MonitorInterval(),
		DailyLossLimit: cfg.CircuitBreaker.DailyLossLimit,
		MaxDrawdownPct: cfg.CircuitBreaker.MaxDrawdownPct,
		Staleness:      cfg.CircuitBreaker.Staleness(),
	}, brk, store, breaker, logger)
	breaker.SetConditionChecker(monitor)

	// Execution core
	gate := risk.NewGate(risk.Limits{
		DefaultMaxPosition:  cfg.Risk.DefaultMaxPosition,
		MaxPositionBySymbol: cfg.Risk.MaxPositionBySymbol,
		Blacklist:           cfg.Risk.Blacklist,
		MaxTotalNotional:    cfg.Risk.MaxTotalNotional,
		MaxLongExposure:     cfg.Risk.MaxLongExposure,
		MaxShortExposure:    cfg.Risk.MaxShortExposure,
	}, breaker, store, logger)

	initial, maxInterval := cfg.RetryBackoff()
	retry := execution.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
	}
	keyer := orders.NewIdempotencyKeyer(loc)

	submitter := execution.NewSubmitter(store, brk, gate, keyer, execution.Config{DryRun: cfg.Trading.DryRun, Retry: retry}, eventBus, logger)
	modifier := execution.NewModifier(store, brk, gate, keyer, retry, eventBus, logger)
	scheduler := twap.NewScheduler(store, submitter, gate, cancelFlags, keyer, twap.Config{
		MinInterval: time.Duration(cfg.TWAP.MinIntervalSecs) * time.Second,
		MaxSlices:   cfg.TWAP.MaxSlices,
	}, eventBus, logger)

	reconciler := reconcile.NewService(store, brk, modifier, scheduler, reconcile.Config{
		Interval:        cfg.Reconciliation.Interval(),
		StartupDeadline: cfg.Reconciliation.StartupDeadline(),
		StartupPolicy:   cfg.Reconciliation.StartupPolicy,
		SubmitGrace:     cfg.Reconciliation.SubmitGrace(),
		KnownStrategies: cfg.Reconciliation.KnownStrategies,
	}, eventBus, logger)
	gate.SetReadiness(reconciler, brk)

	// Alerts
	notifier := notification.NewManager(logger)
	if cfg.NATS.Enabled {
		nn, err := notification.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nn.Close()
		notifier.AddNotifier(nn)
	} else {
		notifier.AddNotifier(notification.NewLogNotifier(logger))
	}
	notifier.Attach(eventBus)

	// Startup reconciliation gates every position-increasing order
	if err := reconciler.RunStartup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Startup reconciliation failed")
	}
	go reconciler.Run(ctx)
	go monitor.Run(ctx)

	if err := scheduler.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to re-arm pending TWAP slices")
	}

	processor := webhook.NewProcessor(store, eventBus, logger)
	if cfg.Broker.StreamUpdates {
		if streamer, ok := rawBroker.(webhook.TradeUpdateStreamer); ok {
			go processor.ConsumeStream(ctx, streamer)
		} else {
			logger.Warn().Str("provider", rawBroker.Name()).Msg("Broker does not stream trade updates")
		}
	}

	// Operator auth
	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authService = auth.NewService(auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL()), cfg.Auth.Operators, logger)
	} else {
		logger.Warn().Msg("JWT_SECRET not set, operator control endpoints are disabled")
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn().Msg("WEBHOOK_SECRET not set, broker webhooks will be rejected")
	}

	deps := api.Deps{
		Store:     store,
		Submitter: submitter,
		Modifier:  modifier,
		Scheduler: scheduler,
		Breaker:   breaker,
		Readiness: reconciler,
		Webhook:   processor.GinHandler(cfg.Webhook.Secret, cfg.Webhook.SignatureHeader),
		Auth:      authService,
		Bus:       eventBus,
	}
	if db != nil {
		deps.Health = db
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.Logging.JSONFormat,
	}, deps, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Str("broker", rawBroker.Name()).
		Bool("dry_run", cfg.Trading.DryRun).
		Bool("ready", reconciler.StartupComplete()).
		Msg("Execution gateway started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	logger.Info().Msg("Shutting down")
	stop()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error flushing traces")
	}

	logger.Info().Msg("Shutdown complete")
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownSecs > 0 {
		return time.Duration(cfg.Server.ShutdownSecs) * time.Second
	}
	return 30 * time.Second
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
