// Package health drives the standard gRPC health service from readiness probes of the state backend
// and the login policy.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service entry reported alongside the overall ("") status.
const ServiceName = "identity.AuthService"

const probeTimeout = 2 * time.Second

// Pinger checks connectivity to a backing store (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the login policy can still be evaluated.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// RedisPinger adapts a go-redis client to Pinger.
type RedisPinger struct {
	Client redis.UniversalClient
}

// PingContext issues PING.
func (p RedisPinger) PingContext(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// Checker probes dependencies and publishes the result to a grpc health.Server.
// A nil Pinger or PolicyChecker is skipped.
type Checker struct {
	server *grpchealth.Server
	pinger Pinger
	policy PolicyChecker
	logger *slog.Logger
}

// NewChecker returns a Checker that reports into server. A nil logger uses slog.Default.
func NewChecker(server *grpchealth.Server, pinger Pinger, policy PolicyChecker, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{server: server, pinger: pinger, policy: policy, logger: logger}
}

// Check runs every probe once and returns the first failure.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			return fmt.Errorf("state backend: %w", err)
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			return fmt.Errorf("login policy: %w", err)
		}
	}
	return nil
}

// Update runs the probes and sets SERVING or NOT_SERVING on both the overall and the named service.
func (c *Checker) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := c.Check(ctx); err != nil {
		c.logger.WarnContext(ctx, "health check failed", "error", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", st)
	c.server.SetServingStatus(ServiceName, st)
	return st
}

// Run updates the status immediately and then every interval until ctx is done, at which point the
// health server is shut down so every service reports NOT_SERVING while the process drains.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c.Update(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.Update(ctx)
		}
	}
}
