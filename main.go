package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-archive/archive"
	"github.com/dhcgn/imap-archive/cmd"
	"github.com/dhcgn/imap-archive/config"
	"github.com/dhcgn/imap-archive/filter"
	"github.com/dhcgn/imap-archive/imap"
	"github.com/dhcgn/imap-archive/mbox"
	"github.com/dhcgn/imap-archive/progress"
	"github.com/dhcgn/imap-archive/recovery"
	"github.com/dhcgn/imap-archive/runner"
	"github.com/dhcgn/imap-archive/source"
	"github.com/dhcgn/imap-archive/state"
	"github.com/dhcgn/imap-archive/stats"
	"github.com/dhcgn/imap-archive/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "imap-archive",
		Short:         "Archive IMAP folders into a deduplicated Maildir tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := cmd.SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-archive", "source", sourceName(cfg), "archive", cfg.ArchiveRoot, "dryRun", cfg.DryRun)

			return run(c.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewStatusCommand(), cmd.NewRecoverCommand(), cmd.NewCredentialCommand())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r := runner.New(ctx, logger)
	reporter := stats.NewReporter(r, logger)
	progress.NewProgressReporter(r, progress.New(cfg.LogLevel), logger)

	tracker, err := openIndex(r.Context(), cfg, logger, r)
	if err != nil {
		return err
	}
	defer tracker.Close()

	sources, err := newSourceFactory(cfg, logger)
	if err != nil {
		return err
	}

	folders, err := filter.New(filter.Options{
		IncludeFolders: cfg.IncludeFolders,
		ExcludeFolders: cfg.ExcludeFolders,
	})
	if err != nil {
		return err
	}

	var archiver syncer.Archiver
	if !cfg.DryRun {
		writer, err := archive.New(archive.Options{Root: cfg.ArchiveRoot, Host: cfg.Hostname}, tracker, logger, r)
		if err != nil {
			return fmt.Errorf("archive.New: %w", err)
		}
		archiver = writer
	}

	s := syncer.New(syncer.Options{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Since:     cfg.Since,
		Before:    cfg.Before,
		DryRun:    cfg.DryRun,
		Retry:     cfg.Retry,
		Filter:    folders,
	}, sources, archiver, tracker, logger, r)

	var wg sync.WaitGroup
	if !cfg.DryRun {
		flusher := stats.NewFlusher(stats.FlushOptions{
			Path:     cfg.StatusPath(),
			Interval: cfg.FlushInterval,
		}, reporter.Summary, logger)
		wg.Add(2)
		go func() {
			defer wg.Done()
			flusher.Run(r.Context())
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-r.Context().Done():
					return
				case err := <-flusher.Errors():
					logger.Warn("status flush failed", "err", err)
				}
			}
		}()
	}

	s.Run(r)
	err = r.Start()
	wg.Wait()

	if err == nil {
		err = s.Err()
	}
	if err != nil {
		if !cfg.DryRun {
			report, recErr := recovery.AfterRun(context.WithoutCancel(ctx), recovery.Options{
				Path:        cfg.IndexPath(),
				ArchiveRoot: cfg.ArchiveRoot,
				Logger:      logger,
				Recorder:    r,
			}, err, tracker)
			if recErr != nil {
				return errors.Join(err, fmt.Errorf("rebuild index: %w", recErr))
			}
			if report.Recovered {
				logger.Warn("index has been rebuilt from sidecars, run again to continue",
					"movedTo", report.MovedTo, "records", report.Inserted, "malformed", report.Malformed)
			}
		}
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}
	return nil
}

// openIndex opens the dedup index, rebuilding it from sidecars when it is
// corrupt. Dry runs never create or repair the index.
func openIndex(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder stats.Recorder) (state.Tracker, error) {
	if cfg.DryRun {
		if _, err := os.Stat(cfg.IndexPath()); errors.Is(err, os.ErrNotExist) {
			logger.Info("no index yet, dry run uses an empty one", "path", cfg.IndexPath())
			return state.NewMemoryTracker(), nil
		}
		return state.OpenReadOnly(cfg.IndexPath())
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	tracker, report, err := recovery.Open(ctx, recovery.Options{
		Path:        cfg.IndexPath(),
		ArchiveRoot: cfg.ArchiveRoot,
		Logger:      logger,
		Recorder:    recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if report.Recovered {
		logger.Warn("index was corrupt and has been rebuilt from sidecars",
			"movedTo", report.MovedTo, "records", report.Inserted, "malformed", report.Malformed)
	}
	return tracker, nil
}

func newSourceFactory(cfg config.Config, logger *slog.Logger) (source.Factory, error) {
	if cfg.UsesMbox() {
		return mbox.NewFactory(mbox.Options{
			Path:          cfg.MboxPath,
			IncludeHeader: cfg.IncludeHeader,
			IncludeBody:   cfg.IncludeBody,
			ExcludeHeader: cfg.ExcludeHeader,
			ExcludeBody:   cfg.ExcludeBody,
		}, logger)
	}

	opts := imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		DialTimeout:        cfg.DialTimeout,
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return imap.NewFactory(opts, logger), nil
}

func sourceName(cfg config.Config) string {
	if cfg.UsesMbox() {
		return "mbox:" + cfg.MboxPath
	}
	return fmt.Sprintf("imap://%s@%s:%d", cfg.IMAPUser, cfg.IMAPHost, cfg.IMAPPort)
}
