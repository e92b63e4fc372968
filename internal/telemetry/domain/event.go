package domain

import "time"

// Outcomes of applying one command. OutcomeJournaled marks a command read back from the journal,
// where only acceptance is known.
const (
	OutcomeApplied   = "applied"
	OutcomeRejected  = "rejected"
	OutcomeJournaled = "journaled"
)

// Event describes the outcome of one applied command. Emitted best-effort; never carries secrets.
type Event struct {
	Type      string
	Stream    string
	Key       string
	UserID    string
	SessionID string
	Outcome   string
	Reason    string // why a command was a no-op; empty when applied
	At        time.Time
}
