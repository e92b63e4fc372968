// Package telemetry holds the metric instruments and event emitter contract used by the command processor.
package telemetry

import (
	"context"

	"identity-session-core/internal/telemetry/domain"
)

// EventEmitter emits domain events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.Event) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, domain.Event) error { return nil }
