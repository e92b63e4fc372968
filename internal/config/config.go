// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// State backends accepted by STATE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC health server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// TokenSecret is the shared HMAC secret used to sign and verify every token. Required.
	TokenSecret string `mapstructure:"TOKEN_SECRET"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// PasswordAlgo selects the algorithm new credentials are hashed with.
	PasswordAlgo string `mapstructure:"PASSWORD_ALGO"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// StateBackend selects where the state tables live: memory, postgres or redis.
	StateBackend string `mapstructure:"STATE_BACKEND"`
	// DatabaseURL is the Postgres DSN; required when StateBackend is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the redis:// URL; required when StateBackend is redis.
	RedisURL string `mapstructure:"REDIS_URL"`
	// RedisKeyPrefix namespaces every table key written to Redis.
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// Partitions is the number of partitions per command stream.
	Partitions int `mapstructure:"PARTITIONS"`
	// PartitionQueueSize is the buffered queue length of each partition.
	PartitionQueueSize int `mapstructure:"PARTITION_QUEUE_SIZE"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set, accepted commands are journaled.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// CommandJournalTopic is the Kafka topic commands are journaled to.
	CommandJournalTopic string `mapstructure:"COMMAND_JOURNAL_TOPIC"`
	// KafkaGroupID is the consumer group the journal worker reads with.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTelEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// RegisterPollTimeout bounds how long registration waits for the new user to become visible.
	RegisterPollTimeout string `mapstructure:"REGISTER_POLL_TIMEOUT"`
	// MaxLoginFailures is the number of failed logins per principal and IP after which login is refused.
	MaxLoginFailures int `mapstructure:"MAX_LOGIN_FAILURES"`
	// OTPTTL is the one-time code lifetime (e.g. "15m").
	OTPTTL string `mapstructure:"OTP_TTL"`
	// OTPMaxAttempts is the number of verification attempts allowed per one-time code.
	OTPMaxAttempts int `mapstructure:"OTP_MAX_ATTEMPTS"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("TOKEN_SECRET", "")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("PASSWORD_ALGO", "bcrypt")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("STATE_BACKEND", BackendMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_KEY_PREFIX", "identity")
	v.SetDefault("PARTITIONS", 16)
	v.SetDefault("PARTITION_QUEUE_SIZE", 1024)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("COMMAND_JOURNAL_TOPIC", "identity-commands")
	v.SetDefault("KAFKA_GROUP_ID", "identity-journal-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "identity-session-core")
	v.SetDefault("REGISTER_POLL_TIMEOUT", "5s")
	v.SetDefault("MAX_LOGIN_FAILURES", 5)
	v.SetDefault("OTP_TTL", "15m")
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, errors.New("config: TOKEN_SECRET must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	switch cfg.StateBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when STATE_BACKEND=postgres")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("config: REDIS_URL must be set when STATE_BACKEND=redis")
		}
	default:
		return nil, errors.New("config: STATE_BACKEND must be one of memory, postgres, redis")
	}

	if cfg.Partitions <= 0 {
		return nil, errors.New("config: PARTITIONS must be positive")
	}
	if cfg.PartitionQueueSize <= 0 {
		cfg.PartitionQueueSize = 1024
	}
	if cfg.MaxLoginFailures <= 0 {
		cfg.MaxLoginFailures = 5
	}
	if cfg.OTPMaxAttempts <= 0 {
		cfg.OTPMaxAttempts = 5
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// OTPLifetime parses OTPTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) OTPLifetime() time.Duration {
	return parseDuration(c.OTPTTL, 15*time.Minute)
}

// RegisterPollWindow parses RegisterPollTimeout as a time.Duration. Returns 5s if unset or invalid.
func (c *Config) RegisterPollWindow() time.Duration {
	return parseDuration(c.RegisterPollTimeout, 5*time.Second)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list means the command journal is disabled.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
