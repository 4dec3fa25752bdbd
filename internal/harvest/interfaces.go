package harvest

import (
	"context"
	"time"
)

// Source is the per-id oracle exposed by the registry layer. Probe is
// the cheap existence check, Fetch retrieves the full record (a probe
// that succeeds is also a collection), Recover resets session state.
// Every call is expected to carry its own bounded timeout.
type Source interface {
	Probe(ctx context.Context, id CaseID) (bool, error)
	Fetch(ctx context.Context, id CaseID) (Record, error)
	Recover(ctx context.Context) error
}

// Exporter persists collected records and run summaries.
type Exporter interface {
	SaveRecord(ctx context.Context, rec Record) (SaveStatus, string, error)
	RecordExists(ctx context.Context, id CaseID) (bool, error)
	WriteRunSummary(ctx context.Context, summary RunSummary) error
}

// Tracker answers skip decisions and records attempt outcomes.
// Implemented by the tracking store; the orchestrator and the probing
// engine only see this surface.
type Tracker interface {
	ShouldSkip(ctx context.Context, id CaseID, force bool) (bool, string)
	Record(ctx context.Context, id CaseID, outcome string, reason, errMsg string, duration time.Duration)
	StatusOf(ctx context.Context, id CaseID) (CaseRecord, bool)
}

// Limiter enforces the politeness contract: a minimum inter-call
// interval plus exponential backoff bookkeeping on failure. Callers
// sleep the returned backoff themselves.
type Limiter interface {
	WaitIfNeeded() time.Duration
	RecordFailure(statusCode int) time.Duration
	ResetFailures()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
