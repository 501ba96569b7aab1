package cmd

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func saveCSVReports(report StatusReport, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	folders := [][]string{{"Folder", "Records", "OnDisk"}}
	checkpoints := [][]string{{"Folder", "LastUID", "UIDValidity", "UpdatedAt"}}
	for _, f := range report.Folders {
		folders = append(folders, []string{f.Folder, strconv.Itoa(f.Records), strconv.FormatBool(f.OnDisk)})
		if f.UpdatedAt.IsZero() && f.LastUID == 0 {
			continue
		}
		checkpoints = append(checkpoints, []string{
			f.Folder,
			strconv.FormatUint(uint64(f.LastUID), 10),
			strconv.FormatUint(uint64(f.UIDValidity), 10),
			f.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	if err := writeCSV(filepath.Join(dir, "report_folders.csv"), folders); err != nil {
		return err
	}
	return writeCSV(filepath.Join(dir, "report_checkpoints.csv"), checkpoints)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
