package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openjuris/docket-harvester/internal/harvest"
	"github.com/openjuris/docket-harvester/internal/tracking"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type fakeSource struct {
	mu           sync.Mutex
	existing     map[int]bool
	scripted     map[int][]error // consumed before the real answer
	failAll      error
	fetchCalls   int
	recoverCalls int
}

func (s *fakeSource) Probe(_ context.Context, id harvest.CaseID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[id.Seq], nil
}

func (s *fakeSource) Fetch(_ context.Context, id harvest.CaseID) (harvest.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.failAll != nil {
		return harvest.Record{}, s.failAll
	}
	if errs := s.scripted[id.Seq]; len(errs) > 0 {
		err := errs[0]
		s.scripted[id.Seq] = errs[1:]
		return harvest.Record{}, err
	}
	if s.existing[id.Seq] {
		return harvest.Record{
			ID:        id,
			FetchedAt: time.Unix(1_700_000_000, 0),
			Fields:    map[string]string{"title": "In re " + id.String()},
		}, nil
	}
	return harvest.Record{}, &harvest.SourceError{Kind: harvest.KindNotFound, StatusCode: 404}
}

func (s *fakeSource) Recover(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverCalls++
	return nil
}

type memExporter struct {
	mu        sync.Mutex
	saved     map[string]int
	summaries []harvest.RunSummary
	failSave  bool
}

func newMemExporter() *memExporter {
	return &memExporter{saved: make(map[string]int)}
}

func (e *memExporter) SaveRecord(_ context.Context, rec harvest.Record) (harvest.SaveStatus, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSave {
		return harvest.SaveFailed, "disk full", errors.New("disk full")
	}
	e.saved[rec.ID.String()]++
	if e.saved[rec.ID.String()] > 1 {
		return harvest.SaveUpdated, "record updated", nil
	}
	return harvest.SaveNew, "record saved", nil
}

func (e *memExporter) RecordExists(_ context.Context, id harvest.CaseID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saved[id.String()] > 0, nil
}

func (e *memExporter) WriteRunSummary(_ context.Context, summary harvest.RunSummary) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summaries = append(e.summaries, summary)
	return nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	waits    int
	failures int
	resets   int
}

func (l *fakeLimiter) WaitIfNeeded() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return 0
}

func (l *fakeLimiter) RecordFailure(int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	return 0
}

func (l *fakeLimiter) ResetFailures() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
}

type fixture struct {
	runner   *Runner
	source   *fakeSource
	exporter *memExporter
	limiter  *fakeLimiter
	store    *tracking.Store
}

func newFixture(t *testing.T, existing []int, cfg Config) *fixture {
	t.Helper()
	if cfg.Prefix == "" {
		cfg.Prefix = "HC"
	}
	if cfg.Year == 0 {
		cfg.Year = 24
	}
	if cfg.Start == 0 {
		cfg.Start = 1
	}
	clock := &fixedClock{now: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)}
	store := tracking.NewStore(
		tracking.NewMemoryRepo(),
		tracking.Config{NoDataTTL: 30 * 24 * time.Hour, RetryCooldown: time.Hour},
		clock,
		zap.NewNop(),
	)
	set := make(map[int]bool, len(existing))
	for _, seq := range existing {
		set[seq] = true
	}
	source := &fakeSource{existing: set, scripted: make(map[int][]error)}
	exporter := newMemExporter()
	limiter := &fakeLimiter{}

	r := New(source, store, limiter, exporter, cfg, clock, zap.NewNop())
	r.sleep = func(time.Duration) {}
	return &fixture{runner: r, source: source, exporter: exporter, limiter: limiter, store: store}
}

func seqRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		out = append(out, seq)
	}
	return out
}

func TestHarvestYearDenseRangeCollectsEachOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, seqRange(1, 50), Config{
		MaxRetries:             3,
		MaxExponent:            16,
		SafeStopThreshold:      500,
		MaxConsecutiveFailures: 10,
	})
	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)

	require.Equal(t, 50, summary.UpperBound)
	require.Equal(t, 50, summary.CollectedCount)
	require.Zero(t, summary.FailedCount)
	require.False(t, summary.HaltedEarly)
	require.NotEmpty(t, summary.RunID)

	require.Len(t, f.exporter.saved, 50)
	for seq := 1; seq <= 50; seq++ {
		id := harvest.CaseID{Prefix: "HC", Seq: seq, Year: 24}
		require.Equal(t, 1, f.exporter.saved[id.String()], "id %s saved more than once", id)
	}
	require.Len(t, f.exporter.summaries, 1)
	require.Equal(t, summary.RunID, f.exporter.summaries[0].RunID)
}

func TestHarvestYearRecoversSparseClusters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []int{10, 20, 30, 1000, 1001, 1002}, Config{
		MaxRetries:             3,
		MaxExponent:            16,
		SafeStopThreshold:      500,
		MaxCases:               2000,
		MaxConsecutiveFailures: 10,
	})
	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1002, summary.UpperBound,
		"the sweep must extend past the exponential-phase bound to the probed ceiling")
	require.Equal(t, 6, summary.CollectedCount)
	require.Len(t, f.exporter.saved, 6)
	for _, seq := range []int{10, 20, 30, 1000, 1001, 1002} {
		id := harvest.CaseID{Prefix: "HC", Seq: seq, Year: 24}
		require.Equal(t, 1, f.exporter.saved[id.String()])
	}
}

func TestHarvestYearDefaultBudgetRecoversSparseClusters(t *testing.T) {
	t.Parallel()

	// No explicit case budget: the default one must still let the
	// sweep extend past the exponential-phase bound, or years whose
	// first assigned id sits off the doubling lattice come back empty.
	f := newFixture(t, []int{10, 20, 30, 1000, 1001, 1002}, Config{
		MaxRetries:             3,
		MaxExponent:            16,
		SafeStopThreshold:      500,
		MaxConsecutiveFailures: 10,
	})
	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1002, summary.UpperBound)
	require.Equal(t, 6, summary.CollectedCount)
	require.Len(t, f.exporter.saved, 6)
}

func TestHarvestYearLogsCarryRunID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, []int{1}, Config{
		MaxRetries:             3,
		MaxExponent:            2,
		SafeStopThreshold:      5,
		MaxConsecutiveFailures: 10,
	})
	f.runner.logger = zap.New(core)

	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)

	entries := logs.All()
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		require.Equal(t, summary.RunID, entry.ContextMap()["run_id"], entry.Message)
	}
}

func TestSweepSkipsRecordsAlreadyExported(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []int{1, 2, 3, 5, 6}, Config{
		MaxRetries:             3,
		MaxExponent:            4,
		SafeStopThreshold:      10,
		MaxConsecutiveFailures: 10,
	})
	// Seq 4 sits off the doubling lattice and was exported by an
	// earlier run whose tracking rows have since been purged.
	exported := harvest.CaseID{Prefix: "HC", Seq: 4, Year: 24}
	f.exporter.saved[exported.String()] = 1

	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)

	require.Equal(t, 5, summary.CollectedCount)
	require.Equal(t, 1, f.exporter.saved[exported.String()],
		"an already-exported record must not be collected again")
	require.GreaterOrEqual(t, summary.SkippedCount, 1)
}

func TestHarvestYearEmptyYear(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{
		MaxRetries:             3,
		MaxExponent:            8,
		SafeStopThreshold:      20,
		MaxConsecutiveFailures: 10,
	})
	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.UpperBound)
	require.Zero(t, summary.CollectedCount)
	require.Empty(t, f.exporter.saved)
}

func TestHarvestYearEmergencyStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{
		MaxRetries:             2,
		MaxExponent:            16,
		SafeStopThreshold:      500,
		MaxConsecutiveFailures: 10,
	})
	f.source.failAll = &harvest.SourceError{Kind: harvest.KindTransient, StatusCode: 500}

	summary, err := f.runner.HarvestYear(context.Background())
	require.ErrorIs(t, err, harvest.ErrEmergencyStopped)
	require.True(t, summary.HaltedEarly)
	require.Equal(t, 10, summary.FailedCount)

	// Ten distinct ids, each exhausting its retry budget, and not one
	// fetch beyond the threshold.
	require.Equal(t, 10*2, f.source.fetchCalls)
	require.GreaterOrEqual(t, f.source.recoverCalls, 1,
		"a halted run resets the session so the next run starts clean")
	require.Len(t, f.exporter.summaries, 1)
	require.True(t, f.exporter.summaries[0].HaltedEarly)
}

func TestCollectRecoversStaleSessionWithoutChargingRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []int{1, 2, 3}, Config{
		MaxRetries:             1,
		MaxExponent:            4,
		SafeStopThreshold:      10,
		MaxConsecutiveFailures: 10,
	})
	f.source.scripted[2] = []error{
		&harvest.SourceError{Kind: harvest.KindTransient, SessionStale: true, StatusCode: 403},
	}

	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.CollectedCount)
	require.Zero(t, summary.FailedCount,
		"a stale-session fault followed by recovery is not a failure")
	require.GreaterOrEqual(t, f.source.recoverCalls, 1)
}

func TestCollectExhaustsRetriesAndMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []int{1, 2, 3}, Config{
		MaxRetries:             3,
		MaxExponent:            4,
		SafeStopThreshold:      10,
		MaxConsecutiveFailures: 10,
	})
	transient := &harvest.SourceError{Kind: harvest.KindTransient, StatusCode: 503}
	f.source.scripted[1] = []error{transient, transient, transient}

	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.CollectedCount)
	require.Equal(t, 1, summary.FailedCount)

	rec, ok := f.store.StatusOf(context.Background(), harvest.CaseID{Prefix: "HC", Seq: 1, Year: 24})
	require.True(t, ok)
	require.Equal(t, harvest.StatusFailed, rec.Status)
	require.Equal(t, 1, rec.RetryCount)

	// Two backoffs charged: the third failure breaks out instead.
	require.Equal(t, 2, f.limiter.failures)
	require.Positive(t, f.limiter.resets)
}

func TestCollectPeriodicSourceRecovery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, seqRange(1, 6), Config{
		MaxRetries:             3,
		MaxExponent:            4,
		SafeStopThreshold:      20,
		CasesBeforeRestart:     2,
		MaxConsecutiveFailures: 10,
	})
	summary, err := f.runner.HarvestYear(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, summary.CollectedCount)
	require.Equal(t, 3, f.source.recoverCalls)
}

func TestCollectExportFailureNeverTracksSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []int{1}, Config{
		MaxRetries:             3,
		MaxConsecutiveFailures: 10,
	})
	f.exporter.failSave = true

	id := harvest.CaseID{Prefix: "HC", Seq: 1, Year: 24}
	_, err := f.runner.Collect(context.Background(), id)
	require.Error(t, err)

	rec, ok := f.store.StatusOf(context.Background(), id)
	require.True(t, ok)
	require.Equal(t, harvest.StatusFailed, rec.Status,
		"an unexported record must stay retryable")
	require.Contains(t, rec.ErrorMessage, "disk full")
}

func TestCollectNotFoundIsDefinitive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{
		MaxRetries:             3,
		MaxConsecutiveFailures: 2,
	})
	ctx := context.Background()
	for seq := 1; seq <= 5; seq++ {
		_, err := f.runner.Collect(ctx, harvest.CaseID{Prefix: "HC", Seq: seq, Year: 24})
		require.Error(t, err)
		require.Equal(t, harvest.KindNotFound, harvest.KindOf(err))
	}

	// Confirmed absences never trip the emergency stop.
	require.False(t, f.runner.halted)
	require.Equal(t, 5, f.source.fetchCalls, "no retries on a definitive answer")

	rec, ok := f.store.StatusOf(ctx, harvest.CaseID{Prefix: "HC", Seq: 3, Year: 24})
	require.True(t, ok)
	require.Equal(t, harvest.StatusNoData, rec.Status)
}
