// Worker consumes the command journal from Kafka and republishes each accepted command as an
// OpenTelemetry log event, giving an audit trail of every write.
// Set KAFKA_BROKERS, COMMAND_JOURNAL_TOPIC and KAFKA_GROUP_ID. GRPC_ADDR and TOKEN_SECRET are required by config but unused.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"identity-session-core/internal/command"
	"identity-session-core/internal/commandlog"
	"identity-session-core/internal/config"
	"identity-session-core/internal/telemetry"
	"identity-session-core/internal/telemetry/domain"
	otelsetup "identity-session-core/internal/telemetry/otel"
)

// journalSource is the read side of the command journal.
type journalSource interface {
	Next(ctx context.Context) (command.Envelope, command.Command, error)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		logger.Error("worker: KAFKA_BROKERS is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTelEndpoint, cfg.OTelServiceName+"-worker", false)
	if err != nil {
		logger.Error("telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()
	emitter := otelsetup.NewEventEmitter(providers.LoggerProvider)

	reader := commandlog.NewJournalReader(brokers, cfg.CommandJournalTopic, cfg.KafkaGroupID)
	defer reader.Close()

	logger.Info("worker: consuming command journal", "topic", cfg.CommandJournalTopic, "group", cfg.KafkaGroupID)
	n := consume(ctx, reader, emitter, logger)
	logger.Info("worker: stopped", "consumed", n)
}

// consume reads the journal until ctx is done and returns the number of commands republished.
// Undecodable messages and read errors are logged and skipped.
func consume(ctx context.Context, src journalSource, emitter telemetry.EventEmitter, logger *slog.Logger) int {
	var n int
	for {
		env, cmd, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return n
			}
			if env.Type != "" {
				logger.Warn("worker: skipping undecodable command", "type", env.Type, "key", env.Key, "error", err)
			} else {
				logger.Error("worker: journal read failed", "error", err)
			}
			continue
		}
		ev := domain.Event{
			Type:    string(cmd.Type()),
			Stream:  string(cmd.Stream()),
			Key:     env.Key,
			Outcome: domain.OutcomeJournaled,
			At:      env.At,
		}
		if err := emitter.Emit(ctx, ev); err != nil {
			logger.Warn("worker: emit failed", "type", ev.Type, "error", err)
		}
		logger.Debug("worker: journaled command", "type", ev.Type, "stream", ev.Stream, "key", ev.Key)
		n++
	}
}
