package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FlushOptions configures a Flusher.
type FlushOptions struct {
	Path        string
	Interval    time.Duration
	MaxFailures int
	ErrorBuffer int
}

// Flusher periodically writes a summary snapshot to a status file. Write
// failures are delivered on a bounded channel; after MaxFailures consecutive
// failures the flusher degrades and drops further snapshots.
type Flusher struct {
	opts     FlushOptions
	snapshot func() Summary
	logger   *slog.Logger
	errs     chan error

	mu       sync.Mutex
	failures int
	degraded bool
}

// Status is the document a Flusher writes.
type Status struct {
	UpdatedAt   time.Time `json:"updated_at"`
	Listed      int       `json:"listed"`
	Stored      int       `json:"stored"`
	Duplicates  int       `json:"duplicates"`
	Failed      int       `json:"failed"`
	Folders     int       `json:"folders"`
	Checkpoints int       `json:"checkpoints"`
	Retries     int       `json:"retries"`
	LastError   string    `json:"last_error,omitempty"`
}

func NewFlusher(opts FlushOptions, snapshot func() Summary, logger *slog.Logger) *Flusher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = 8
	}
	return &Flusher{
		opts:     opts,
		snapshot: snapshot,
		logger:   logger,
		errs:     make(chan error, opts.ErrorBuffer),
	}
}

// Errors exposes flush failures. Errors are dropped when nobody drains it.
func (f *Flusher) Errors() <-chan error {
	return f.errs
}

// Degraded reports whether flushing has been given up.
func (f *Flusher) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Run flushes on every tick until ctx is done, then flushes a final time.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = f.Flush()
			return
		case <-ticker.C:
			_ = f.Flush()
		}
	}
}

// Flush writes the current snapshot. It is a no-op once degraded.
func (f *Flusher) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.degraded {
		return nil
	}

	err := f.write(f.snapshot())
	if err == nil {
		f.failures = 0
		return nil
	}

	f.failures++
	err = fmt.Errorf("status flush %d/%d: %w", f.failures, f.opts.MaxFailures, err)
	select {
	case f.errs <- err:
	default:
	}

	if f.failures >= f.opts.MaxFailures {
		f.degraded = true
		if f.logger != nil {
			f.logger.Warn("status flush disabled after repeated failures", "path", f.opts.Path, "failures", f.failures, "err", err)
		}
	}
	return err
}

func (f *Flusher) write(s Summary) error {
	doc := Status{
		UpdatedAt:   time.Now().UTC(),
		Listed:      s.Listed,
		Stored:      s.Stored,
		Duplicates:  s.Duplicates,
		Failed:      s.Failed,
		Folders:     s.Folders,
		Checkpoints: s.Checkpoints,
		Retries:     s.Retries,
	}
	if s.LastError != nil {
		doc.LastError = s.LastError.Error()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	dir := filepath.Dir(f.opts.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.opts.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.opts.Path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadStatus loads the document last written by a Flusher.
func ReadStatus(path string) (Status, error) {
	var doc Status
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode status %s: %w", path, err)
	}
	return doc, nil
}
