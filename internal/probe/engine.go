// Package probe discovers the upper bound of assigned docket ids for
// a year with exponential-doubling rounds, collecting records in the
// same oracle calls.
package probe

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

// maxRounds guards against pathological inputs that would otherwise
// restart rounds forever.
const maxRounds = 100

// stateFlushEvery bounds how much probing work a crash can lose from
// the advisory cache.
const stateFlushEvery = 25

// Collector performs one full single-id collection attempt, including
// rate limiting, retries and tracking writes. The engine treats any
// collector error as a miss; distinguishing confirmed absence from
// transient faults is the collector's job.
type Collector interface {
	Collect(ctx context.Context, id harvest.CaseID) (harvest.Record, error)
}

// Config holds caller-supplied probing knobs.
type Config struct {
	Start             int
	MaxExponent       int
	SafeStopThreshold int
	MaxCases          int
	Force             bool
}

// Result is what one probing run produced. MaxProbed is the highest
// sequence the exponential phase looked at; the sweep uses it (capped
// by maxCases) as the residual ceiling so clusters the doubling jumps
// flew over are still recovered.
type Result struct {
	UpperBound    int
	ProbesUsed    int
	MaxProbed     int
	Collected     []harvest.Record
	CollectedSeqs map[int]struct{}
	Skipped       int
}

// Engine drives the exponential discovery phase.
type Engine struct {
	tracker   harvest.Tracker
	collector Collector
	state     *State
	logger    *zap.Logger
}

// NewEngine builds an Engine. state may be nil, in which case no
// advisory cache is consulted or written.
func NewEngine(tracker harvest.Tracker, collector Collector, state *State, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{tracker: tracker, collector: collector, state: state, logger: logger}
}

// Run probes ids for prefix/year until the safe-stop threshold
// signals the bound has been passed. UpperBound is start-1 when
// nothing was ever found.
func (e *Engine) Run(ctx context.Context, prefix string, year int, cfg Config) (Result, error) {
	if cfg.Start < 1 {
		cfg.Start = 1
	}
	if cfg.MaxExponent < 1 {
		cfg.MaxExponent = 16
	}
	if cfg.SafeStopThreshold < 1 {
		cfg.SafeStopThreshold = 50
	}

	res := Result{
		UpperBound:    cfg.Start - 1,
		CollectedSeqs: make(map[int]struct{}),
	}
	cur := cfg.Start
	lastSuccess := 0
	consecutiveNoData := 0
	sinceFlush := 0

	for round := 0; round < maxRounds; round++ {
		roundSuccess := 0
		visited := 0
		stopped := false

		for i := 0; i <= cfg.MaxExponent; i++ {
			seq := cur
			if i > 0 {
				seq = cur + (1 << (i - 1))
			}
			if cfg.MaxCases > 0 && seq > cfg.Start+cfg.MaxCases {
				break
			}
			visited++
			if err := ctx.Err(); err != nil {
				e.flushState()
				return res, fmt.Errorf("probing canceled: %w", err)
			}

			if seq > res.MaxProbed {
				res.MaxProbed = seq
			}
			id := harvest.CaseID{Prefix: prefix, Seq: seq, Year: year}
			switch e.visit(ctx, id, cfg.Force, &res) {
			case visitExists:
				consecutiveNoData = 0
				lastSuccess = seq
				roundSuccess = seq
			case visitMiss:
				consecutiveNoData++
			case visitNeutral:
				// Cooldown skip: no evidence either way.
			}

			sinceFlush++
			if sinceFlush >= stateFlushEvery {
				e.flushState()
				sinceFlush = 0
			}

			if consecutiveNoData >= cfg.SafeStopThreshold {
				stopped = true
				break
			}
		}

		if stopped || visited == 0 {
			// visited == 0 means the maxCases ceiling exhausted the range.
			break
		}
		if roundSuccess > 0 {
			cur = roundSuccess + 1
		} else {
			cur += 1 << cfg.MaxExponent
		}
	}

	if lastSuccess > 0 {
		res.UpperBound = lastSuccess
	}
	e.flushState()

	e.logger.Info("probing finished",
		zap.String("prefix", prefix),
		zap.Int("year", year),
		zap.Int("upper_bound", res.UpperBound),
		zap.Int("probes_used", res.ProbesUsed),
		zap.Int("collected", len(res.Collected)),
	)
	return res, nil
}

type visitOutcome int

const (
	visitExists visitOutcome = iota
	visitMiss
	visitNeutral
)

// visit classifies one probed id, preferring cheap paths over network
// calls: tracker status first, then the advisory cache, then a full
// fetch-on-probe through the collector.
func (e *Engine) visit(ctx context.Context, id harvest.CaseID, force bool, res *Result) visitOutcome {
	if skip, reason := e.tracker.ShouldSkip(ctx, id, force); skip {
		res.Skipped++
		switch {
		case reason == "exists_in_db":
			return visitExists
		case strings.HasPrefix(reason, "no_data"):
			return visitMiss
		default:
			return visitNeutral
		}
	}

	if existed, known := e.state.Known(id.Seq); known && !existed {
		return visitMiss
	}

	res.ProbesUsed++
	rec, err := e.collector.Collect(ctx, id)
	if err != nil {
		if harvest.KindOf(err) == harvest.KindNotFound {
			e.state.Mark(id.Seq, false)
		}
		return visitMiss
	}

	e.state.Mark(id.Seq, true)
	res.Collected = append(res.Collected, rec)
	res.CollectedSeqs[id.Seq] = struct{}{}
	return visitExists
}

func (e *Engine) flushState() {
	if err := e.state.Save(); err != nil {
		e.logger.Warn("probe state save failed", zap.Error(err))
	}
}
