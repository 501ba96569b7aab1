package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dhcgn/imap-archive/model"
)

// FolderDirs holds the Maildir subdirectories of one archived folder.
type FolderDirs struct {
	Root string
	Cur  string
	New  string
	Tmp  string
}

// EnsureFolder creates the cur, new and tmp directories for folder.
func (w *Writer) EnsureFolder(folder string) (FolderDirs, error) {
	base := filepath.Join(w.root, FolderDir(folder))
	dirs := FolderDirs{
		Root: base,
		Cur:  filepath.Join(base, "cur"),
		New:  filepath.Join(base, "new"),
		Tmp:  filepath.Join(base, "tmp"),
	}
	for _, dir := range []string{dirs.Cur, dirs.New, dirs.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return FolderDirs{}, ioFailure("create folder", err)
		}
	}
	return dirs, nil
}

// CleanTmp removes temp files older than maxAge from folder's tmp directory.
// They are left behind only by interrupted stores.
func (w *Writer) CleanTmp(folder string, maxAge time.Duration) (int, error) {
	tmpDir := filepath.Join(w.root, FolderDir(folder), "tmp")
	entries, err := os.ReadDir(tmpDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read tmp dir: %w", err)
	}

	cutoff := w.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(tmpDir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 && w.logger != nil {
		w.logger.Info("removed stale temp files", "folder", folder, "count", removed)
	}
	return removed, nil
}

// Folders lists the archived folder directories under the root.
func (w *Writer) Folders() ([]string, error) {
	return Folders(w.root)
}

func Folders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read archive root: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if info, err := os.Stat(filepath.Join(root, entry.Name(), "cur")); err == nil && info.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// FolderDir maps a mailbox name onto a single directory name.
func FolderDir(folder string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '.'
		case ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(folder))
	name = strings.Trim(name, ". ")
	if name == "" {
		return "INBOX"
	}
	return name
}

// WalkSidecars calls fn for every sidecar below root. Decode problems are
// passed to fn as an error wrapping ErrMalformedSidecar; returning a non-nil
// error from fn stops the walk. Temp directories are skipped.
func WalkSidecars(root string, fn func(path string, sc model.Sidecar, err error) error) error {
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("archive root: %w", err)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return fn(path, model.Sidecar{}, fmt.Errorf("%w: %v", ErrMalformedSidecar, err))
		}
		if d.IsDir() {
			if d.Name() == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), SidecarSuffix) {
			return nil
		}

		sc, err := readSidecar(path)
		return fn(path, sc, err)
	})
}

func readSidecar(path string) (model.Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Sidecar{}, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}
	if err := validateSidecar(data); err != nil {
		return model.Sidecar{}, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}
	var sc model.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return model.Sidecar{}, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}
	if _, err := os.Stat(strings.TrimSuffix(path, SidecarSuffix)); err != nil {
		return model.Sidecar{}, fmt.Errorf("%w: message file: %v", ErrMalformedSidecar, err)
	}
	return sc, nil
}
