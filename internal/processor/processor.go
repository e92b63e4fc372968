// Package processor applies commands to the state tables. It is the only writer of state. Each call to
// Apply runs on the goroutine that owns the command's partition, so reads and writes of the command's
// routing key never interleave with another command for the same key.
package processor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"identity-session-core/internal/command"
	"identity-session-core/internal/partition"
	"identity-session-core/internal/state"
	"identity-session-core/internal/telemetry"
	"identity-session-core/internal/telemetry/domain"
)

// Reasons a command was not applied.
const (
	ReasonUsernameTaken       = "username taken"
	ReasonEmailTaken          = "email taken"
	ReasonUserNotFound        = "user not found"
	ReasonSessionExists       = "session exists"
	ReasonSessionNotFound     = "session not found"
	ReasonSessionRevoked      = "session revoked"
	ReasonSessionMismatch     = "session belongs to another user"
	ReasonRefreshExists       = "refresh token exists"
	ReasonRefreshNotFound     = "refresh token not found"
	ReasonRefreshRevoked      = "refresh token revoked"
	ReasonRefreshWrongSession = "refresh token belongs to another session"
	ReasonChallengeNotFound   = "challenge not found"
	ReasonChallengeClosed     = "challenge expired or exhausted"
	ReasonUnknownCommand      = "unknown command"
	ReasonStateError          = "state error"
)

// Outcome is the result of applying one command. A command that is not applied changed nothing.
type Outcome struct {
	Applied bool
	Reason  string
}

var applied = Outcome{Applied: true}

func rejected(reason string) Outcome { return Outcome{Reason: reason} }

// Config holds the processor's collaborators. Zero values take defaults.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	OTPTTL     time.Duration
	// OTPMaxAttempts bounds the attempts one challenge accepts. Default 5.
	OTPMaxAttempts int
	// Now is the processor clock. Every timestamp and expiry default is taken from it.
	Now func() time.Time
	// NewID mints user ids.
	NewID   func() string
	Emitter telemetry.EventEmitter
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Processor is the deterministic state machine behind the command log.
type Processor struct {
	tables     *state.Tables
	accessTTL  time.Duration
	refreshTTL time.Duration
	otpTTL     time.Duration
	otpMax     int
	now        func() time.Time
	newID      func() string
	emitter    telemetry.EventEmitter
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer

	// emailLocks serializes email claims. Registration is routed by username, so two registrations
	// of one email can run on different partitions; the check and the index write for an email
	// happen under that email's stripe.
	emailLocks [emailStripes]sync.Mutex
}

const emailStripes = 64

func (p *Processor) lockEmail(email string) func() {
	mu := &p.emailLocks[partition.Of(email, emailStripes)]
	mu.Lock()
	return mu.Unlock
}

// NewID returns a random UUIDv4 without dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New returns a Processor writing to tables.
func New(tables *state.Tables, cfg Config) *Processor {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 15 * time.Minute
	}
	if cfg.OTPMaxAttempts <= 0 {
		cfg.OTPMaxAttempts = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewID
	}
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("identity-session-core/processor")
	}
	return &Processor{
		tables:     tables,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		otpTTL:     cfg.OTPTTL,
		otpMax:     cfg.OTPMaxAttempts,
		now:        cfg.Now,
		newID:      cfg.NewID,
		emitter:    cfg.Emitter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
}

// Apply applies cmd and reports whether it changed state. A rejected command is a silent no-op for the
// submitter; it is only logged, counted and emitted as an event.
func (p *Processor) Apply(ctx context.Context, cmd command.Command) Outcome {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "processor.Apply", trace.WithAttributes(
		attribute.String("command.type", string(cmd.Type())),
		attribute.String("command.stream", string(cmd.Stream())),
	))
	defer span.End()

	now := p.now().UTC()
	ev := domain.Event{
		Type:   string(cmd.Type()),
		Stream: string(cmd.Stream()),
		Key:    cmd.RoutingKey(),
		At:     now,
	}

	out, err := p.dispatch(ctx, now, cmd, &ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "apply command failed", "type", cmd.Type(), "key", cmd.RoutingKey(), "error", err)
		out = rejected(ReasonStateError)
	}
	span.SetAttributes(attribute.Bool("command.applied", out.Applied))

	ev.Outcome = domain.OutcomeApplied
	if !out.Applied {
		ev.Outcome = domain.OutcomeRejected
		ev.Reason = out.Reason
		p.logger.DebugContext(ctx, "command not applied", "type", cmd.Type(), "key", cmd.RoutingKey(), "reason", out.Reason)
	}
	p.metrics.CommandProcessed(ctx, string(cmd.Type()), out.Applied, out.Reason, time.Since(started))
	if err := p.emitter.Emit(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "emit command event failed", "type", cmd.Type(), "error", err)
	}
	return out
}

func (p *Processor) dispatch(ctx context.Context, now time.Time, cmd command.Command, ev *domain.Event) (Outcome, error) {
	switch c := cmd.(type) {
	case command.RegisterRequested:
		return p.register(ctx, now, c, ev)
	case command.UserUpdated:
		ev.UserID = c.UserID
		return p.updateUser(ctx, now, c)
	case command.EmailVerified:
		ev.UserID = c.UserID
		return p.verifyEmail(ctx, now, c)
	case command.CredentialReplaced:
		ev.UserID = c.UserID
		return p.replaceCredential(ctx, now, c)
	case command.OTPIssued:
		ev.UserID = c.UserID
		return p.issueOTP(ctx, now, c)
	case command.OTPAttempted:
		ev.UserID = c.UserID
		return p.attemptOTP(ctx, now, c)
	case command.CreateSession:
		ev.UserID, ev.SessionID = c.UserID, c.SessionID
		return p.createSession(ctx, now, c)
	case command.LogoutRequested:
		ev.SessionID = c.SessionID
		return p.logout(ctx, c, ev)
	case command.RefreshTokenUpsert:
		ev.UserID, ev.SessionID = c.UserID, c.SessionID
		return p.upsertRefresh(ctx, now, c)
	case command.RefreshTokenRevoke:
		return p.revokeRefresh(ctx, c, ev)
	case command.LoginFailed:
		return p.countLoginFailure(ctx, c)
	case command.LoginFailuresReset:
		return applied, p.tables.LoginFailures.Put(ctx, c.RoutingKey(), 0)
	default:
		return rejected(ReasonUnknownCommand), nil
	}
}

func expiry(explicit int64, now time.Time, ttl time.Duration) int64 {
	if explicit > 0 {
		return explicit
	}
	return now.Add(ttl).UnixMilli()
}
