// Package recovery opens the dedup index and rebuilds it from the archive's
// sidecar files when the database is damaged.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dhcgn/imap-archive/archive"
	"github.com/dhcgn/imap-archive/model"
	"github.com/dhcgn/imap-archive/state"
	"github.com/dhcgn/imap-archive/stats"
)

const DefaultChunkSize = 500

type Options struct {
	// Path is the SQLite index file.
	Path        string
	ArchiveRoot string
	ChunkSize   int
	Logger      *slog.Logger
	Recorder    stats.Recorder
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Recorder == nil {
		o.Recorder = stats.Discard
	}
	return o
}

type Report struct {
	Recovered   bool
	MovedTo     string
	Scanned     int
	Inserted    int
	Malformed   int
	Duration    time.Duration
	StartedAt   time.Time
	CompletedAt time.Time
}

// Open returns a usable index. A corrupt database is moved aside, never
// deleted, and a fresh one is rebuilt from the sidecars under ArchiveRoot.
// Folder checkpoints are not restored, so the next sync re-lists every
// folder and relies on the rebuilt records to skip archived messages.
func Open(ctx context.Context, opts Options) (*state.SQLiteTracker, Report, error) {
	opts = opts.withDefaults()

	tracker, err := state.NewSQLiteTracker(opts.Path)
	if err == nil {
		return tracker, Report{}, nil
	}
	if !errors.Is(err, state.ErrCorrupt) {
		return nil, Report{}, err
	}

	if opts.Logger != nil {
		opts.Logger.Error("index is corrupt, rebuilding from sidecars", "path", opts.Path, "err", err)
	}
	return Recover(ctx, opts)
}

// AfterRun rebuilds the index when runErr shows it became corrupt while in
// use. current is closed first so its file can be moved aside. A runErr
// without ErrCorrupt leaves everything untouched and returns a zero Report.
func AfterRun(ctx context.Context, opts Options, runErr error, current io.Closer) (Report, error) {
	if !errors.Is(runErr, state.ErrCorrupt) {
		return Report{}, nil
	}
	if opts.Logger != nil {
		opts.Logger.Error("index became corrupt during the run, rebuilding from sidecars", "path", opts.Path, "err", runErr)
	}
	if current != nil {
		_ = current.Close()
	}

	tracker, report, err := Recover(ctx, opts)
	if err != nil {
		return report, err
	}
	return report, tracker.Close()
}

// Recover moves the current index aside and rebuilds a fresh one.
func Recover(ctx context.Context, opts Options) (*state.SQLiteTracker, Report, error) {
	opts = opts.withDefaults()
	started := time.Now()

	if _, err := os.Stat(opts.ArchiveRoot); err != nil {
		return nil, Report{}, fmt.Errorf("archive root unreadable: %w", err)
	}

	movedTo, err := MoveAside(opts.Path, started)
	if err != nil {
		return nil, Report{}, err
	}
	if opts.Logger != nil && movedTo != "" {
		opts.Logger.Warn("moved index aside", "from", opts.Path, "to", movedTo)
	}

	tracker, err := state.NewSQLiteTracker(opts.Path)
	if err != nil {
		return nil, Report{}, fmt.Errorf("create fresh index: %w", err)
	}

	report, err := Rebuild(ctx, tracker, opts)
	if err != nil {
		tracker.Close()
		return nil, report, err
	}
	report.Recovered = true
	report.MovedTo = movedTo
	report.StartedAt = started
	report.Duration = report.CompletedAt.Sub(started)

	opts.Recorder.Record(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeRecovered, Count: report.Inserted})
	if opts.Logger != nil {
		opts.Logger.Info("index rebuilt",
			"scanned", report.Scanned,
			"inserted", report.Inserted,
			"malformed", report.Malformed,
			"duration", report.Duration.Round(time.Millisecond),
		)
	}
	return tracker, report, nil
}

// MoveAside renames path and its WAL companions to
// <path>.corrupt-<UTC timestamp>. A missing database is not an error.
func MoveAside(path string, at time.Time) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	target := fmt.Sprintf("%s.corrupt-%s", path, at.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("move corrupt index aside: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, target+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return target, fmt.Errorf("move %s aside: %w", suffix, err)
		}
	}
	return target, nil
}

// Rebuild inserts one record per well-formed sidecar under ArchiveRoot.
// Malformed sidecars are logged and skipped.
func Rebuild(ctx context.Context, tracker state.Tracker, opts Options) (Report, error) {
	opts = opts.withDefaults()
	report := Report{StartedAt: time.Now()}
	batch := make([]model.Record, 0, opts.ChunkSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := tracker.InsertRecords(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert recovered records: %w", err)
		}
		report.Inserted += n
		batch = batch[:0]
		return nil
	}

	err := archive.WalkSidecars(opts.ArchiveRoot, func(path string, sc model.Sidecar, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		report.Scanned++
		if err != nil {
			report.Malformed++
			opts.Recorder.Record(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeMalformed, Err: err, Detail: path})
			if opts.Logger != nil {
				opts.Logger.Warn("skipping malformed sidecar", "path", path, "err", err)
			}
			return nil
		}
		batch = append(batch, sc.Record())
		if len(batch) >= opts.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan archive: %w", err)
	}
	if err := flush(); err != nil {
		return report, err
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	return report, nil
}
