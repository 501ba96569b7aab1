package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-archive/archive"
	"github.com/dhcgn/imap-archive/config"
	"github.com/dhcgn/imap-archive/state"
	"github.com/dhcgn/imap-archive/stats"
)

// FolderStatus is one row of the status report.
type FolderStatus struct {
	Folder      string
	Records     int
	LastUID     uint32
	UIDValidity uint32
	UpdatedAt   time.Time
	OnDisk      bool
}

type StatusReport struct {
	Folders []FolderStatus
	Total   int
	LastRun *stats.Status
}

func NewStatusCommand() *cobra.Command {
	var csvDir string
	var top int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show folder checkpoints and archived message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadLocalConfig(cmd)
			if err != nil {
				return err
			}

			tracker, err := state.NewSQLiteTracker(cfg.IndexPath())
			if err != nil {
				if errors.Is(err, state.ErrCorrupt) {
					return fmt.Errorf("%w: run 'imap-archive recover' to rebuild it", err)
				}
				return err
			}
			defer tracker.Close()

			report, err := CollectStatus(cmd.Context(), tracker, cfg.ArchiveRoot, cfg.StatusPath())
			if err != nil {
				return err
			}
			printStatus(report, top)

			if csvDir != "" {
				if err := saveCSVReports(report, csvDir); err != nil {
					return fmt.Errorf("write csv reports: %w", err)
				}
				fmt.Printf("\nReports saved to directory: %s\n", csvDir)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&csvDir, "csv", "", "Also write the report as CSV files into this directory")
	cmd.Flags().IntVarP(&top, "top", "t", 10, "Number of largest folders to list")
	return cmd
}

// CollectStatus merges the index checkpoints, the per-folder record counts
// and the folders present on disk.
func CollectStatus(ctx context.Context, tracker state.Tracker, archiveRoot, statusPath string) (StatusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	snapshot, err := tracker.Snapshot(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("index snapshot: %w", err)
	}
	checkpoints, err := tracker.Checkpoints(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list checkpoints: %w", err)
	}

	rows := make(map[string]*FolderStatus)
	row := func(folder string) *FolderStatus {
		r, ok := rows[folder]
		if !ok {
			r = &FolderStatus{Folder: folder}
			rows[folder] = r
		}
		return r
	}

	for folder, count := range snapshot.PerFolder {
		row(folder).Records = count
	}
	for _, cp := range checkpoints {
		r := row(cp.Folder)
		r.LastUID = cp.LastUID
		r.UIDValidity = cp.UIDValidity
		r.UpdatedAt = cp.UpdatedAt
	}

	onDisk, err := archive.Folders(archiveRoot)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return StatusReport{}, fmt.Errorf("list archive folders: %w", err)
	}
	for folder := range rows {
		if slices.Contains(onDisk, archive.FolderDir(folder)) {
			rows[folder].OnDisk = true
		}
	}

	report := StatusReport{Total: snapshot.Processed}
	for _, r := range rows {
		report.Folders = append(report.Folders, *r)
	}
	slices.SortFunc(report.Folders, func(a, b FolderStatus) int {
		if a.Records != b.Records {
			return b.Records - a.Records
		}
		if a.Folder < b.Folder {
			return -1
		}
		if a.Folder > b.Folder {
			return 1
		}
		return 0
	})

	if statusPath != "" {
		last, err := stats.ReadStatus(statusPath)
		switch {
		case err == nil:
			report.LastRun = &last
		case !errors.Is(err, os.ErrNotExist):
			return StatusReport{}, err
		}
	}
	return report, nil
}

func printStatus(report StatusReport, top int) {
	pterm.DefaultSection.Println("Archive status")
	pterm.Info.Printf("Archived messages: %d in %d folders\n", report.Total, len(report.Folders))

	data := pterm.TableData{{"Folder", "Records", "Last UID", "UIDVALIDITY", "Updated", "On disk"}}
	for _, f := range report.Folders {
		updated := "-"
		if !f.UpdatedAt.IsZero() {
			updated = f.UpdatedAt.Local().Format(time.DateTime)
		}
		data = append(data, []string{
			f.Folder,
			strconv.Itoa(f.Records),
			strconv.FormatUint(uint64(f.LastUID), 10),
			strconv.FormatUint(uint64(f.UIDValidity), 10),
			updated,
			strconv.FormatBool(f.OnDisk),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	if top > 0 && len(report.Folders) > 0 {
		counts := make(map[string]int, len(report.Folders))
		for _, f := range report.Folders {
			counts[f.Folder] = f.Records
		}
		pterm.Println()
		pterm.Info.Printf("Largest folders:\n")
		stats.PrettyPrintTop(counts, top)
	}

	if last := report.LastRun; last != nil {
		pterm.Println()
		pterm.Info.Printf("Last run (%s): stored %d, duplicates %d, failed %d, retries %d\n",
			last.UpdatedAt.Local().Format(time.DateTime), last.Stored, last.Duplicates, last.Failed, last.Retries)
		if last.LastError != "" {
			pterm.Error.Printf("Last error: %s\n", last.LastError)
		}
	}
}
