package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpchealth "google.golang.org/grpc/health"

	"identity-session-core/internal/command"
	"identity-session-core/internal/commandlog"
	"identity-session-core/internal/config"
	"identity-session-core/internal/db"
	"identity-session-core/internal/health"
	identityservice "identity-session-core/internal/identity/service"
	"identity-session-core/internal/policy/engine"
	"identity-session-core/internal/processor"
	"identity-session-core/internal/query"
	"identity-session-core/internal/security"
	"identity-session-core/internal/server"
	"identity-session-core/internal/state"
	"identity-session-core/internal/state/postgres"
	"identity-session-core/internal/state/redisstore"
	"identity-session-core/internal/telemetry"
	otelsetup "identity-session-core/internal/telemetry/otel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTelEndpoint, cfg.OTelServiceName, false)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	tables, pinger, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("state backend %s: %w", cfg.StateBackend, err)
	}
	defer closeBackend()

	proc := processor.New(tables, processor.Config{
		AccessTTL:      cfg.AccessTTL(),
		RefreshTTL:     cfg.RefreshTTL(),
		OTPTTL:         cfg.OTPLifetime(),
		OTPMaxAttempts: cfg.OTPMaxAttempts,
		Emitter:        otelsetup.NewEventEmitter(providers.LoggerProvider),
		Metrics:        metrics,
		Logger:         logger.With("component", "processor"),
	})

	opts := commandlog.Options{
		Partitions: cfg.Partitions,
		QueueSize:  cfg.PartitionQueueSize,
		Metrics:    metrics,
		Logger:     logger.With("component", "commandlog"),
	}
	if journal := commandlog.NewKafkaJournal(cfg.KafkaBrokersList(), cfg.CommandJournalTopic); journal != nil {
		opts.Journal = journal
		logger.Info("command journal enabled", "topic", cfg.CommandJournalTopic)
	}
	cmdLog := commandlog.New(func(ctx context.Context, cmd command.Command) { proc.Apply(ctx, cmd) }, opts)
	defer func() {
		if err := cmdLog.Close(); err != nil {
			logger.Error("command log close", "error", err)
		}
	}()

	hashers, err := security.NewHashers(cfg.PasswordAlgo, cfg.BcryptCost)
	if err != nil {
		return err
	}
	tokens, err := security.NewTokenProvider(cfg.TokenSecret, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		return err
	}
	policy, err := engine.NewOPAEvaluator(ctx)
	if err != nil {
		return err
	}
	queries := query.New(tables, hashers, cfg.OTPMaxAttempts)

	auth := identityservice.NewAuthService(cmdLog, queries, hashers, tokens, policy, identityservice.Options{
		MaxLoginFailures:    cfg.MaxLoginFailures,
		RegisterPollTimeout: cfg.RegisterPollWindow(),
		Logger:              logger.With("component", "auth"),
	})

	healthServer := grpchealth.NewServer()
	checker := health.NewChecker(healthServer, pinger, policy, logger.With("component", "health"))
	go checker.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s := server.NewServer(server.Deps{Auth: auth, Health: healthServer, Logger: logger.With("component", "grpc")})
	return server.Serve(ctx, s, lis, logger)
}

// openBackend opens the configured state tables. The returned Pinger is nil for the memory backend.
func openBackend(ctx context.Context, cfg *config.Config) (*state.Tables, health.Pinger, func(), error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return postgres.NewTables(sqlDB), sqlDB, closer(sqlDB), nil
	case config.BackendRedis:
		client, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return redisstore.NewTables(client, cfg.RedisKeyPrefix), health.RedisPinger{Client: client}, closer(client), nil
	case config.BackendMemory:
		return state.NewMemoryTables(cfg.Partitions), nil, func() {}, nil
	default:
		return nil, nil, nil, errors.New("unknown backend")
	}
}

func closer(c interface{ Close() error }) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Error("state backend close", "error", err)
		}
	}
}

