package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-archive/stats"
)

// Bar tracks archived messages across all folders. The total grows as
// folders report how many new messages they listed.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

func (b *Bar) start() {
	if b.pb != nil {
		return
	}
	pb, _ := pterm.DefaultProgressbar.
		WithTotal(max(b.total, 1)).
		WithTitle("Archiving messages").
		Start()
	b.pb = pb
}

// Update applies one event to the bar.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		if evt.Count == 0 {
			return
		}
		b.total += evt.Count
		if !b.enabled {
			return
		}
		b.start()
		b.pb.Total = b.total
	case stats.EventTypeStored, stats.EventTypeDryRun, stats.EventTypeDuplicate, stats.EventTypeFailed:
		b.done++
		if !b.enabled || b.pb == nil {
			return
		}
		if b.pb.Current < b.pb.Total {
			b.pb.Increment()
		}
		if evt.Folder != "" {
			b.pb.UpdateTitle("Archiving: " + truncate(evt.Folder, 40))
		}
		if evt.Type == stats.EventTypeFailed && evt.Err != nil {
			pterm.Error.Printf("%s uid %d: %v\n", evt.Folder, evt.UID, evt.Err)
		}
	case stats.EventTypeFolderFailed:
		if b.enabled && evt.Err != nil {
			pterm.Error.Printf("Folder %s failed: %v\n", evt.Folder, evt.Err)
		}
	}
}

// Done returns the number of messages accounted for and the listed total.
func (b *Bar) Done() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.total
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled || b.pb == nil {
		return
	}
	_, _ = b.pb.Stop()
	pterm.Success.Printf("Processed %d of %d messages\n", b.done, b.total)
}

// Subscriber feeds events from the runner into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// ProgressReporter pairs the bar with a pterm summary printed at the end of
// the run.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
		pterm.Info.Printf("Folders: %d (failed: %d)\n", summary.Folders, summary.FolderFails)
		pterm.Info.Printf("Listed: %d\n", summary.Listed)
		pterm.Info.Printf("Stored: %d\n", summary.Stored)
		if summary.DryRun > 0 {
			pterm.Info.Printf("Dry-run (not written): %d\n", summary.DryRun)
		}
		pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
		pterm.Info.Printf("Failed: %d\n", summary.Failed)
		pterm.Info.Printf("Retries: %d\n", summary.Retries)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
