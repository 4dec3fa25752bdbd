// Package runner implements the harvest orchestration loop: per-id
// retry and backoff, source session recovery, the probe/collect phase
// and the residual linear sweep, plus the run-wide emergency stop.
package runner

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openjuris/docket-harvester/internal/harvest"
	"github.com/openjuris/docket-harvester/internal/logging"
	"github.com/openjuris/docket-harvester/internal/metrics"
	"github.com/openjuris/docket-harvester/internal/probe"
)

// jitterBase scales the randomized addition to backoff sleeps; the
// span grows with the runner's consecutive-failure count.
const jitterBase = 250 * time.Millisecond

// defaultMaxCases is the per-run request budget applied when the
// caller leaves MaxCases unset. The budget caps both the doubling
// rounds and the sweep ceiling; without it the sweep could never
// extend past the exponential-phase bound, and isolated clusters the
// doubling jumps fly over would stay uncollected.
const defaultMaxCases = 20000

// Config controls one harvest run.
type Config struct {
	Prefix                 string
	Year                   int
	Start                  int
	MaxRetries             int
	MaxExponent            int
	SafeStopThreshold      int
	MaxCases               int
	MaxConsecutiveFailures int
	CasesBeforeRestart     int
	Force                  bool
	StateDir               string
}

// Runner drives repeated single-id collection attempts for a year.
// It owns the only goroutine that issues Source calls.
type Runner struct {
	source   harvest.Source
	tracker  harvest.Tracker
	limiter  harvest.Limiter
	exporter harvest.Exporter
	cfg      Config
	logger   *zap.Logger
	clock    harvest.Clock
	sleep    func(time.Duration)

	// Consecutive terminal failures across distinct ids; reset by any
	// definitive oracle answer. Distinct from per-id retry counts.
	consecutiveFailures int
	halted              bool
	haltCancel          context.CancelFunc

	collectedCount int
	failedCount    int
	sweepSkipped   int
	sinceRestart   int
}

// New constructs a Runner. A nil logger falls back to a no-op logger.
func New(
	source harvest.Source,
	tracker harvest.Tracker,
	limiter harvest.Limiter,
	exporter harvest.Exporter,
	cfg Config,
	clock harvest.Clock,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxConsecutiveFailures < 1 {
		cfg.MaxConsecutiveFailures = 10
	}
	if cfg.MaxCases < 1 {
		cfg.MaxCases = defaultMaxCases
	}
	return &Runner{
		source:   source,
		tracker:  tracker,
		limiter:  limiter,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		sleep:    time.Sleep,
	}
}

// HarvestYear runs bound discovery plus the residual linear sweep end
// to end and returns the run summary. A run halted by the emergency
// stop returns ErrEmergencyStopped alongside the summary.
func (r *Runner) HarvestYear(ctx context.Context) (harvest.RunSummary, error) {
	summary := harvest.RunSummary{
		RunID:     uuid.NewString(),
		Year:      r.cfg.Year,
		StartTime: r.clock.Now(),
	}
	r.logger = logging.ForRun(r.logger, summary.RunID)
	r.logger.Info("harvest run starting",
		zap.String("prefix", r.cfg.Prefix),
		zap.Int("year", r.cfg.Year),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.haltCancel = cancel

	state := r.loadProbeState()
	engine := probe.NewEngine(r.tracker, r, state, r.logger)
	res, err := engine.Run(runCtx, r.cfg.Prefix, r.cfg.Year, probe.Config{
		Start:             r.cfg.Start,
		MaxExponent:       r.cfg.MaxExponent,
		SafeStopThreshold: r.cfg.SafeStopThreshold,
		MaxCases:          r.cfg.MaxCases,
		Force:             r.cfg.Force,
	})
	if err != nil && !r.halted && ctx.Err() == nil {
		return summary, fmt.Errorf("probing phase: %w", err)
	}

	upperBound := res.UpperBound
	if !r.halted && ctx.Err() == nil {
		if swept := r.sweep(runCtx, res); swept > upperBound {
			upperBound = swept
		}
	}

	summary.UpperBound = upperBound
	summary.ProbesUsed = res.ProbesUsed
	summary.CollectedCount = r.collectedCount
	summary.SkippedCount = res.Skipped + r.sweepSkipped
	summary.FailedCount = r.failedCount
	summary.HaltedEarly = r.halted
	summary.EndTime = r.clock.Now()

	if r.halted {
		metrics.ObserveEmergencyStop()
		// Best-effort session reset so the next run starts clean.
		if recErr := r.source.Recover(context.WithoutCancel(ctx)); recErr != nil {
			r.logger.Warn("post-halt recovery failed", zap.Error(recErr))
		}
	}

	if err := r.exporter.WriteRunSummary(context.WithoutCancel(ctx), summary); err != nil {
		r.logger.Error("write run summary failed", zap.Error(err))
	}

	r.logger.Info("harvest run finished",
		zap.Int("upper_bound", summary.UpperBound),
		zap.Int("probes_used", summary.ProbesUsed),
		zap.Int("collected", summary.CollectedCount),
		zap.Int("skipped", summary.SkippedCount),
		zap.Int("failed", summary.FailedCount),
		zap.Bool("halted_early", summary.HaltedEarly),
	)

	if r.halted {
		return summary, fmt.Errorf("run %s: %w (consecutive failures: %d)",
			summary.RunID, harvest.ErrEmergencyStopped, r.consecutiveFailures)
	}
	return summary, ctx.Err()
}

// sweep walks ids in ascending order over the residual range,
// re-checking ShouldSkip for every id not already collected during
// probing. Ids collected during probing are skipped by identity, not
// by a second existence check. Returns the highest id collected.
func (r *Runner) sweep(ctx context.Context, res probe.Result) int {
	limit := res.UpperBound
	if r.cfg.MaxCases > 0 {
		ceiling := res.MaxProbed
		if budget := r.cfg.Start + r.cfg.MaxCases; ceiling > budget {
			ceiling = budget
		}
		if ceiling > limit {
			limit = ceiling
		}
	}

	highest := 0
	for seq := r.cfg.Start; seq <= limit; seq++ {
		if r.halted || ctx.Err() != nil {
			break
		}
		if _, done := res.CollectedSeqs[seq]; done {
			continue
		}
		id := harvest.CaseID{Prefix: r.cfg.Prefix, Seq: seq, Year: r.cfg.Year}
		if !r.cfg.Force {
			// Cheap existence check against the export sink first; it
			// catches records exported by runs whose tracking rows are
			// gone (purged or pointed at a fresh database).
			if exists, err := r.exporter.RecordExists(ctx, id); err == nil && exists {
				r.sweepSkipped++
				metrics.ObserveSkipped("exists")
				continue
			}
		}
		if skip, reason := r.tracker.ShouldSkip(ctx, id, r.cfg.Force); skip {
			r.sweepSkipped++
			metrics.ObserveSkipped(reasonClass(reason))
			continue
		}
		if _, err := r.Collect(ctx, id); err == nil {
			highest = seq
		}
	}
	return highest
}

// Collect performs one full single-id collection: fetch with retries,
// export, tracking write. It is also the collector the probing engine
// fuses into its existence checks.
func (r *Runner) Collect(ctx context.Context, id harvest.CaseID) (harvest.Record, error) {
	rec, err := r.attempt(ctx, id)
	if err != nil {
		return harvest.Record{}, err
	}

	started := r.clock.Now()
	saveStatus, msg, saveErr := r.exporter.SaveRecord(ctx, rec)
	if saveErr != nil || saveStatus == harvest.SaveFailed {
		// The fetch succeeded but the record is not durably saved, so
		// tracking must not claim success or a later run would skip it.
		if saveErr == nil {
			saveErr = errors.New(msg)
		}
		r.logger.Error("export failed",
			zap.String("case_id", id.String()), zap.Error(saveErr))
		r.tracker.Record(ctx, id, "failed", "export failed", saveErr.Error(), 0)
		r.failedCount++
		return harvest.Record{}, fmt.Errorf("export %s: %w", id, saveErr)
	}

	r.tracker.Record(ctx, id, "success", "collected", "", r.clock.Now().Sub(started))
	metrics.ObserveCollected(string(saveStatus))
	r.collectedCount++
	r.sinceRestart++

	if r.cfg.CasesBeforeRestart > 0 && r.sinceRestart >= r.cfg.CasesBeforeRestart {
		r.sinceRestart = 0
		r.logger.Info("periodic source recovery",
			zap.Int("collected", r.collectedCount))
		if recErr := r.source.Recover(ctx); recErr != nil {
			r.logger.Warn("periodic recovery failed", zap.Error(recErr))
		} else {
			metrics.ObserveRecovery()
		}
	}
	return rec, nil
}

// attempt wraps a single Source.Fetch with the retry, backoff and
// session-recovery policy.
func (r *Runner) attempt(ctx context.Context, id harvest.CaseID) (harvest.Record, error) {
	var lastErr error
	recovered := false

	for tries := 0; tries < r.cfg.MaxRetries; {
		if err := ctx.Err(); err != nil {
			return harvest.Record{}, err
		}

		wait := r.limiter.WaitIfNeeded()
		metrics.ObserveRateLimitWait(wait)
		metrics.ObserveProbe()

		started := r.clock.Now()
		rec, err := r.source.Fetch(ctx, id)
		elapsed := r.clock.Now().Sub(started)

		if err == nil {
			r.limiter.ResetFailures()
			r.consecutiveFailures = 0
			return rec, nil
		}
		lastErr = err

		switch harvest.KindOf(err) {
		case harvest.KindNotFound:
			// A confirmed absence is a definitive oracle answer, not a
			// fault: the registry is healthy.
			r.limiter.ResetFailures()
			r.consecutiveFailures = 0
			r.tracker.Record(ctx, id, "no_data", "registry confirmed absent", "", elapsed)
			return harvest.Record{}, err
		case harvest.KindFatal:
			r.tracker.Record(ctx, id, "failed", "fatal source error", err.Error(), elapsed)
			r.noteTerminalFailure(harvest.KindFatal)
			return harvest.Record{}, err
		}

		if harvest.SessionStale(err) && !recovered {
			// One uncharged extra iteration after a session reset.
			recovered = true
			r.logger.Warn("stale session, recovering source",
				zap.String("case_id", id.String()), zap.Error(err))
			if recErr := r.source.Recover(ctx); recErr != nil {
				r.logger.Error("source recovery failed", zap.Error(recErr))
			} else {
				metrics.ObserveRecovery()
			}
			continue
		}

		tries++
		if tries >= r.cfg.MaxRetries {
			break
		}
		delay := r.limiter.RecordFailure(harvest.StatusHint(err))
		pause := delay + r.jitter()
		metrics.ObserveBackoff(pause)
		r.logger.Warn("fetch failed, backing off",
			zap.String("case_id", id.String()),
			zap.Int("attempt", tries),
			zap.Duration("backoff", pause),
			zap.Error(err),
		)
		r.sleep(pause)
	}

	// Retries exhausted: the id stays failed and retryable next run,
	// never no_data.
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	r.tracker.Record(ctx, id, "failed", "retries exhausted", errMsg, 0)
	r.noteTerminalFailure(harvest.KindOf(lastErr))
	if lastErr == nil {
		lastErr = errors.New("retries exhausted")
	}
	return harvest.Record{}, fmt.Errorf("collect %s: %w", id, lastErr)
}

// noteTerminalFailure bumps the cross-id failure counter and trips the
// emergency stop once the threshold is reached. Repeated failures
// across many different ids indicate a systemic problem; continuing
// would waste the rate-limited request budget.
func (r *Runner) noteTerminalFailure(kind harvest.ErrorKind) {
	r.failedCount++
	metrics.ObserveFailure(string(kind))
	r.consecutiveFailures++
	if r.consecutiveFailures >= r.cfg.MaxConsecutiveFailures && !r.halted {
		r.halted = true
		r.logger.Error("emergency stop: consecutive failure threshold reached",
			zap.Int("consecutive_failures", r.consecutiveFailures))
		if r.haltCancel != nil {
			r.haltCancel()
		}
	}
}

// jitter returns a random duration whose span grows with the runner's
// consecutive-failure count, de-synchronizing retry storms.
func (r *Runner) jitter() time.Duration {
	span := jitterBase * time.Duration(1+r.consecutiveFailures)
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return span / 2
	}
	return time.Duration(n.Int64())
}

func (r *Runner) loadProbeState() *probe.State {
	if r.cfg.StateDir == "" {
		return nil
	}
	state, err := probe.LoadState(r.cfg.StateDir, r.cfg.Prefix, r.cfg.Year)
	if err != nil {
		r.logger.Warn("probe state unavailable, probing without cache", zap.Error(err))
		return nil
	}
	return state
}

func reasonClass(reason string) string {
	switch {
	case reason == "exists_in_db":
		return "exists"
	case strings.HasPrefix(reason, "no_data"):
		return "no_data"
	case strings.HasPrefix(reason, "recently_attempted"):
		return "cooldown"
	default:
		return "other"
	}
}
