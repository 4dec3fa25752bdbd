package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openjuris/docket-harvester/internal/clock/system"
	"github.com/openjuris/docket-harvester/internal/tracking"
)

// newPurgeCmd creates the 'purge' subcommand, which drops all
// tracking rows for one prefix/year so the next run starts cold.
func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete tracking state for the configured prefix and year",
		RunE:  runPurgeCommand,
	}
	cmd.Flags().Int("year", 0, "two-digit registry year (overrides config)")
	return cmd
}

func runPurgeCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if year, _ := cmd.Flags().GetInt("year"); year > 0 {
		cfg.Harvest.Year = year
	}
	if cfg.Tracking.Backend != "postgres" {
		return fmt.Errorf("purge requires the postgres tracking backend")
	}

	repo, err := tracking.NewPostgresRepo(cmd.Context(), tracking.PostgresRepoConfig{
		DSN:        cfg.DB.DSN,
		Table:      cfg.Tracking.Table,
		AuditTable: cfg.Tracking.AuditTable,
		MaxConns:   cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("init tracking repo: %w", err)
	}
	defer repo.Close()

	store := tracking.NewStore(repo, tracking.Config{
		NoDataTTL:     cfg.NoDataTTL(),
		RetryCooldown: cfg.RetryCooldown(),
	}, system.New(), logger.Named("tracking"))

	n, err := store.PurgeYear(cmd.Context(), cfg.Harvest.Prefix, cfg.YearTwoDigit())
	if err != nil {
		return fmt.Errorf("purge year: %w", err)
	}
	logger.Info("tracking state purged",
		zap.String("prefix", cfg.Harvest.Prefix),
		zap.Int("year", cfg.YearTwoDigit()),
		zap.Int64("rows", n),
	)
	return nil
}
