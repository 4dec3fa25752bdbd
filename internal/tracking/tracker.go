// Package tracking implements the durable per-id skip-decision state
// machine. A Store answers "may this id be skipped" from prior
// outcomes, confirmed-absence TTLs and retry cooldowns, and records
// every processing attempt.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

// ErrNotFound signals that no tracking row exists for the id.
var ErrNotFound = errors.New("tracking record not found")

// AuditEntry is one immutable line in the processing log. The log is
// diagnostics only and is never read back for skip decisions.
type AuditEntry struct {
	CaseID     harvest.CaseID
	Outcome    harvest.CaseStatus
	Reason     string
	Error      string
	DurationMs int64
	RecordedAt time.Time
}

// Repo is the persistence surface beneath the Store.
type Repo interface {
	GetCase(ctx context.Context, id harvest.CaseID) (harvest.CaseRecord, error)
	UpsertCase(ctx context.Context, rec harvest.CaseRecord) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
	PurgeYear(ctx context.Context, prefix string, year int) (int64, error)
}

// Config holds the recency knobs gating re-collection.
type Config struct {
	NoDataTTL     time.Duration
	RetryCooldown time.Duration
}

// Store layers the skip-decision rules over a Repo.
type Store struct {
	repo   Repo
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger
}

// NewStore builds a Store. A nil logger falls back to a no-op logger.
func NewStore(repo Repo, cfg Config, clock harvest.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, cfg: cfg, clock: clock, logger: logger}
}

// ShouldSkip decides whether the id may be skipped this run. Storage
// errors fail open: a transient outage degrades to redundant
// re-collection, which is safe because fetch and save are idempotent
// per id.
func (s *Store) ShouldSkip(ctx context.Context, id harvest.CaseID, force bool) (bool, string) {
	if force {
		return false, "force refresh requested"
	}

	rec, err := s.repo.GetCase(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, ""
	}
	if err != nil {
		s.logger.Warn("tracking lookup failed, not skipping",
			zap.String("case_id", id.String()), zap.Error(err))
		return false, "tracking lookup failed"
	}

	now := s.clock.Now()
	switch rec.Status {
	case harvest.StatusSuccess:
		return true, "exists_in_db"
	case harvest.StatusNoData:
		if rec.LastAttemptAt.IsZero() {
			// Unknown-age absence is treated as canonical.
			return true, "no_data"
		}
		age := now.Sub(rec.LastAttemptAt)
		if age <= s.cfg.NoDataTTL {
			return true, fmt.Sprintf("no_data (checked %d days ago)", int(age.Hours()/24))
		}
		return false, "no_data ttl expired, eligible for refresh"
	default:
		// Pending and failed never skip on status alone; only recency
		// gates them. retryCount is deliberately not a skip trigger.
		if !rec.LastAttemptAt.IsZero() {
			if since := now.Sub(rec.LastAttemptAt); since < s.cfg.RetryCooldown {
				return true, fmt.Sprintf("recently_attempted (%d minutes ago)", int(since.Minutes()))
			}
		}
		return false, fmt.Sprintf(
			"exists_in_db but status is %s, will re-collect (retry_count: %d)",
			rec.Status, rec.RetryCount,
		)
	}
}

// StatusOf returns the current tracking row for the id, if any. Used
// by the probing engine as a fast path that avoids network calls.
func (s *Store) StatusOf(ctx context.Context, id harvest.CaseID) (harvest.CaseRecord, bool) {
	rec, err := s.repo.GetCase(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("tracking lookup failed",
				zap.String("case_id", id.String()), zap.Error(err))
		}
		return harvest.CaseRecord{}, false
	}
	return rec, true
}

// Record normalizes the outcome, upserts the tracking row and appends
// an audit entry. Write failures are logged and swallowed so a storage
// outage never halts the pipeline.
func (s *Store) Record(
	ctx context.Context,
	id harvest.CaseID,
	outcome string,
	reason, errMsg string,
	duration time.Duration,
) {
	status, err := NormalizeOutcome(outcome)
	if err != nil {
		s.logger.Warn("unrecognized outcome, recording as failed",
			zap.String("case_id", id.String()), zap.String("outcome", outcome))
		status = harvest.StatusFailed
	}

	now := s.clock.Now()
	rec := harvest.CaseRecord{
		ID:            id,
		Status:        status,
		LastAttemptAt: now,
	}
	if prev, lookupErr := s.repo.GetCase(ctx, id); lookupErr == nil {
		rec.RetryCount = prev.RetryCount
	}
	switch status {
	case harvest.StatusFailed:
		rec.RetryCount++
		rec.ErrorMessage = errMsg
	case harvest.StatusSuccess, harvest.StatusNoData:
		rec.RetryCount = 0
		rec.ErrorMessage = ""
	}

	if err := s.repo.UpsertCase(ctx, rec); err != nil {
		s.logger.Error("tracking upsert failed",
			zap.String("case_id", id.String()), zap.Error(err))
	}

	entry := AuditEntry{
		CaseID:     id,
		Outcome:    status,
		Reason:     reason,
		Error:      errMsg,
		DurationMs: duration.Milliseconds(),
		RecordedAt: now,
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("audit append failed",
			zap.String("case_id", id.String()), zap.Error(err))
	}
}

// PurgeYear removes all tracking rows for one prefix/year. Explicit
// operator action; nothing in the harvest loop calls it.
func (s *Store) PurgeYear(ctx context.Context, prefix string, year int) (int64, error) {
	n, err := s.repo.PurgeYear(ctx, prefix, year)
	if err != nil {
		return 0, fmt.Errorf("purge year %d: %w", year, err)
	}
	return n, nil
}

// NormalizeOutcome maps loose outcome spellings onto the closed
// CaseStatus enum. This is the single boundary where free-form strings
// from external callers are accepted.
func NormalizeOutcome(outcome string) (harvest.CaseStatus, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(outcome)), "-", "_")
	switch normalized {
	case "success", "succeeded", "ok", "collected":
		return harvest.StatusSuccess, nil
	case "no_data", "nodata", "not_found", "absent":
		return harvest.StatusNoData, nil
	case "failed", "fail", "error", "timeout":
		return harvest.StatusFailed, nil
	case "pending", "in_progress":
		return harvest.StatusPending, nil
	default:
		return "", fmt.Errorf("unrecognized outcome %q", outcome)
	}
}
