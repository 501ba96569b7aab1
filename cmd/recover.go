package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-archive/config"
	"github.com/dhcgn/imap-archive/recovery"
	"github.com/dhcgn/imap-archive/stats"
)

func NewRecoverCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the dedup index from the archive's sidecar files",
		Long: "Checks the dedup index and rebuilds it from the .meta.json sidecars when it is corrupt.\n" +
			"With --force the current index is moved aside and rebuilt even if it looks healthy.\n" +
			"Folder checkpoints are not restored; the next sync re-lists every folder.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadLocalConfig(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			collector := stats.NewCollector()
			opts := recovery.Options{
				Path:        cfg.IndexPath(),
				ArchiveRoot: cfg.ArchiveRoot,
				Logger:      logger,
				Recorder:    collector,
			}

			open := recovery.Open
			if force {
				open = recovery.Recover
			}
			tracker, report, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer tracker.Close()

			printRecovery(logger, report, collector.Snapshot())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Move the current index aside and rebuild it even if it is healthy")
	return cmd
}

func printRecovery(logger *slog.Logger, report recovery.Report, summary stats.Summary) {
	if !report.Recovered {
		pterm.Success.Println("Index is healthy, nothing to recover")
		return
	}
	logger.Info("index rebuilt",
		"scanned", report.Scanned,
		"inserted", report.Inserted,
		"malformed", summary.Malformed,
		"movedTo", report.MovedTo,
		"duration", report.Duration.Round(time.Millisecond),
	)
	pterm.Success.Printf("Rebuilt index from %d sidecars (%d records)\n", report.Scanned, report.Inserted)
	if report.MovedTo != "" {
		pterm.Info.Printf("Previous index kept at %s\n", report.MovedTo)
	}
	if report.Malformed > 0 {
		pterm.Warning.Printf("%d sidecars could not be read and were skipped\n", report.Malformed)
	}
}
