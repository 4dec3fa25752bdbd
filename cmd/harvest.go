package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openjuris/docket-harvester/internal/api"
	"github.com/openjuris/docket-harvester/internal/clock/system"
	"github.com/openjuris/docket-harvester/internal/config"
	"github.com/openjuris/docket-harvester/internal/export"
	"github.com/openjuris/docket-harvester/internal/harvest"
	"github.com/openjuris/docket-harvester/internal/metrics"
	"github.com/openjuris/docket-harvester/internal/policy/ratelimit"
	"github.com/openjuris/docket-harvester/internal/runner"
	"github.com/openjuris/docket-harvester/internal/source"
	"github.com/openjuris/docket-harvester/internal/tracking"
)

// newHarvestCmd creates the 'harvest' subcommand, which runs one full
// bound-discovery and collection pass for the configured year.
func newHarvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Probe the registry for the year's upper bound and collect every record",
		RunE:  runHarvestCommand,
	}
	cmd.Flags().Int("year", 0, "two-digit registry year (overrides config)")
	cmd.Flags().Bool("force", false, "re-collect ids with terminal tracking status")
	return cmd
}

func runHarvestCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if year, _ := cmd.Flags().GetInt("year"); year > 0 {
		cfg.Harvest.Year = year
	}
	if force, _ := cmd.Flags().GetBool("force"); force {
		cfg.Harvest.Force = true
	}

	metrics.Init()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	tracker, closeTracker, err := buildTracker(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer closeTracker()

	exporter, closeExporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeExporter()

	src, closeSource, err := buildSource(cfg, clock, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	limiter := ratelimit.New(ratelimit.Config{
		Interval:      cfg.Interval(),
		BackoffFactor: cfg.RateLimit.BackoffFactor,
		MaxBackoff:    cfg.MaxBackoff(),
	})

	run := runner.New(src, tracker, limiter, exporter, runner.Config{
		Prefix:                 cfg.Harvest.Prefix,
		Year:                   cfg.YearTwoDigit(),
		Start:                  cfg.Harvest.Start,
		MaxRetries:             cfg.Harvest.MaxRetries,
		MaxExponent:            cfg.Harvest.MaxExponent,
		SafeStopThreshold:      cfg.Harvest.SafeStopThreshold,
		MaxCases:               cfg.Harvest.MaxCases,
		MaxConsecutiveFailures: cfg.Harvest.MaxConsecutiveFailures,
		CasesBeforeRestart:     cfg.Harvest.CasesBeforeRestart,
		Force:                  cfg.Harvest.Force,
		StateDir:               cfg.Harvest.StateDir,
	}, clock, logger.Named("runner"))

	var statusServer *api.Server
	if cfg.Server.Enabled {
		statusServer = api.NewServer(clock, logger.Named("api"))
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           statusServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", zap.Error(err))
			}
		}()
		statusServer.SetRunning(true)
	}

	summary, runErr := run.HarvestYear(ctx)
	if statusServer != nil {
		statusServer.SetRunning(false)
		statusServer.SetSummary(summary)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("harvest: %w", runErr)
	}
	return nil
}

func buildTracker(ctx context.Context, cfg config.Config, clock harvest.Clock, logger *zap.Logger) (harvest.Tracker, func(), error) {
	trackCfg := tracking.Config{
		NoDataTTL:     cfg.NoDataTTL(),
		RetryCooldown: cfg.RetryCooldown(),
	}
	if cfg.Tracking.Backend == "memory" {
		store := tracking.NewStore(tracking.NewMemoryRepo(), trackCfg, clock, logger.Named("tracking"))
		return store, func() {}, nil
	}
	repo, err := tracking.NewPostgresRepo(ctx, tracking.PostgresRepoConfig{
		DSN:        cfg.DB.DSN,
		Table:      cfg.Tracking.Table,
		AuditTable: cfg.Tracking.AuditTable,
		MaxConns:   cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init tracking repo: %w", err)
	}
	store := tracking.NewStore(repo, trackCfg, clock, logger.Named("tracking"))
	return store, repo.Close, nil
}

func buildExporter(ctx context.Context, cfg config.Config) (harvest.Exporter, func(), error) {
	if cfg.Export.Kind == "fs" {
		exp, err := export.NewFSExporter(export.FSConfig{BaseDir: cfg.Export.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init fs exporter: %w", err)
		}
		return exp, func() {}, nil
	}
	exp, err := export.NewPostgresExporter(ctx, export.PostgresConfig{
		DSN:            cfg.DB.DSN,
		RecordsTable:   cfg.DB.RecordsTable,
		SummariesTable: cfg.DB.SummariesTable,
		MaxConns:       cfg.DB.MaxConns,
		MinConns:       cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres exporter: %w", err)
	}
	return exp, exp.Close, nil
}

func buildSource(cfg config.Config, clock harvest.Clock, logger *zap.Logger) (harvest.Source, func(), error) {
	if cfg.Source.Kind == "browser" {
		src, err := source.NewChromeSource(source.ChromeConfig{
			URLTemplate:       cfg.Source.URLTemplate,
			UserAgent:         cfg.Source.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			RequestsPerSecond: cfg.Source.RequestsPerSecond,
		}, clock, logger.Named("source"))
		if err != nil {
			return nil, nil, fmt.Errorf("init browser source: %w", err)
		}
		return src, src.Close, nil
	}
	src, err := source.NewCollySource(source.CollyConfig{
		URLTemplate: cfg.Source.URLTemplate,
		UserAgent:   cfg.Source.UserAgent,
		Timeout:     cfg.SourceTimeout(),
	}, clock, logger.Named("source"))
	if err != nil {
		return nil, nil, fmt.Errorf("init http source: %w", err)
	}
	return src, func() {}, nil
}
