// Package syncer pulls new messages folder by folder into the archive and
// advances each folder's checkpoint only past messages that are durably
// archived.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-archive/archive"
	"github.com/dhcgn/imap-archive/filter"
	"github.com/dhcgn/imap-archive/identity"
	"github.com/dhcgn/imap-archive/model"
	"github.com/dhcgn/imap-archive/retry"
	"github.com/dhcgn/imap-archive/runner"
	"github.com/dhcgn/imap-archive/source"
	"github.com/dhcgn/imap-archive/state"
	"github.com/dhcgn/imap-archive/stats"
)

const (
	DefaultBatchSize = 50
	DefaultTmpMaxAge = 36 * time.Hour
)

// ErrIncomplete is returned by Err when at least one folder failed.
var ErrIncomplete = errors.New("sync incomplete")

type Options struct {
	BatchSize int
	Workers   int
	Since     time.Time
	Before    time.Time
	DryRun    bool
	Retry     retry.Options
	Filter    *filter.Filter
	TmpMaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.TmpMaxAge <= 0 {
		o.TmpMaxAge = DefaultTmpMaxAge
	}
	return o
}

// Archiver stores message streams. *archive.Writer implements it.
type Archiver interface {
	Store(ctx context.Context, r io.Reader, hint archive.Hint) (archive.Result, error)
	CleanTmp(folder string, maxAge time.Duration) (int, error)
}

// Stages runs named stages concurrently. *runner.Runner implements it.
type Stages interface {
	AddStage(name string, fn runner.StageFunc)
}

type FailedMessage struct {
	UID uint32
	Err error
}

type FolderResult struct {
	Folder      string
	UIDValidity uint32
	EpochReset  bool
	Listed      int
	Stored      int
	Duplicates  int
	Gone        int
	DryRun      int
	Failed      []FailedMessage
	Checkpoint  uint32
}

type Syncer struct {
	opts     Options
	sources  source.Factory
	archiver Archiver
	tracker  state.Tracker
	logger   *slog.Logger
	recorder stats.Recorder

	mu      sync.Mutex
	results []FolderResult
	failed  map[string]error
}

func New(opts Options, sources source.Factory, archiver Archiver, tracker state.Tracker, logger *slog.Logger, recorder stats.Recorder) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = stats.Discard
	}
	return &Syncer{
		opts:     opts.withDefaults(),
		sources:  sources,
		archiver: archiver,
		tracker:  tracker,
		logger:   logger,
		recorder: recorder,
		failed:   make(map[string]error),
	}
}

// Run registers the folder listing stage and the folder workers. Each worker
// owns one source connection; each folder gets its own retry policy.
func (s *Syncer) Run(stages Stages) {
	folders := make(chan string)

	stages.AddStage("folders", func(ctx context.Context) error {
		defer close(folders)
		names, err := s.listFolders(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case folders <- name:
			}
		}
		return nil
	})

	for i := 0; i < s.opts.Workers; i++ {
		stages.AddStage(fmt.Sprintf("worker-%d", i+1), func(ctx context.Context) error {
			return s.worker(ctx, folders)
		})
	}
}

func (s *Syncer) listFolders(ctx context.Context) ([]string, error) {
	src := s.sources()
	defer src.Close()

	policy := retry.New("*", s.opts.Retry, s.logger, s.recorder)
	if err := policy.Do(ctx, "connect", src.Connect); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	names, err := retry.Call(ctx, policy, "list folders", src.ListFolders)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	selected := s.opts.Filter.Select(names)
	s.logger.Info("folders selected", "total", len(names), "selected", len(selected))
	return selected, nil
}

func (s *Syncer) worker(ctx context.Context, folders <-chan string) error {
	src := s.sources()
	defer src.Close()

	for {
		var folder string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case name, ok := <-folders:
			if !ok {
				return nil
			}
			folder = name
		}

		policy := retry.New(folder, s.opts.Retry, s.logger, s.recorder)
		if err := policy.Do(ctx, "connect", src.Connect); err != nil {
			if isFatal(err) || ctx.Err() != nil {
				return err
			}
			s.folderFailed(folder, err)
			continue
		}

		res, err := s.SyncFolder(ctx, src, policy, folder)
		s.addResult(res)
		if err != nil {
			if isFatal(err) || ctx.Err() != nil {
				return fmt.Errorf("folder %s: %w", folder, err)
			}
			s.folderFailed(folder, err)
			continue
		}
		s.recorder.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFolderDone, Folder: folder})
	}
}

// SyncFolder archives the messages of one folder that are newer than its
// checkpoint. Per-message failures are reported in the result; the returned
// error is set only when the folder could not be processed.
func (s *Syncer) SyncFolder(ctx context.Context, src source.Source, policy *retry.Policy, folder string) (FolderResult, error) {
	res := FolderResult{Folder: folder}
	logger := s.logger.With("folder", folder)

	status, err := retry.Call(ctx, policy, "select", func(ctx context.Context) (source.FolderStatus, error) {
		return src.SelectFolder(ctx, folder)
	})
	if err != nil {
		return res, fmt.Errorf("select: %w", err)
	}
	res.UIDValidity = status.UIDValidity

	since, err := s.startCursor(ctx, folder, status, &res, logger)
	if err != nil {
		return res, err
	}
	res.Checkpoint = since

	if !s.opts.DryRun {
		if _, err := s.archiver.CleanTmp(folder, s.opts.TmpMaxAge); err != nil {
			logger.Warn("cleaning temp files failed", "err", err)
		}
	}

	dates := source.DateRange{Since: s.opts.Since, Before: s.opts.Before}
	uids, err := retry.Call(ctx, policy, "search", func(ctx context.Context) ([]uint32, error) {
		return src.UIDsSince(ctx, folder, since, dates)
	})
	if err != nil {
		return res, fmt.Errorf("search: %w", err)
	}
	res.Listed = len(uids)
	s.recorder.Record(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeListed, Folder: folder, Count: len(uids)})
	logger.Info("folder selected", "uidValidity", status.UIDValidity, "messages", status.Messages, "checkpoint", since, "new", len(uids))

	cursor := &checkpointTracker{safe: since}
	persisted := since

	persist := func() error {
		if s.opts.DryRun || cursor.safe <= persisted {
			return nil
		}
		// the checkpoint is written even when ctx is already cancelled
		pctx := context.WithoutCancel(ctx)
		advanced, err := s.tracker.SetCheckpoint(pctx, model.Checkpoint{
			Folder:      folder,
			LastUID:     cursor.safe,
			UIDValidity: status.UIDValidity,
		})
		if err != nil {
			return &archive.FatalError{Op: "write checkpoint", Err: err}
		}
		if advanced {
			logger.Debug("checkpoint advanced", "from", persisted, "to", cursor.safe)
			s.recorder.Record(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeCheckpoint, Folder: folder, UID: cursor.safe})
		}
		persisted = cursor.safe
		res.Checkpoint = persisted
		return nil
	}

	for start := 0; start < len(uids); start += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(err, persist())
		}

		end := min(start+s.opts.BatchSize, len(uids))
		batch := uids[start:end]

		if err := s.syncBatch(ctx, src, policy, folder, status.UIDValidity, batch, cursor, &res, logger); err != nil {
			return res, errors.Join(err, persist())
		}
		if err := persist(); err != nil {
			return res, err
		}
	}

	if len(res.Failed) > 0 {
		failed := make([]uint32, 0, len(res.Failed))
		for _, f := range res.Failed {
			failed = append(failed, f.UID)
		}
		logger.Warn("messages failed and will be retried next run", "uids", failed, "checkpoint", res.Checkpoint)
	}
	logger.Info("folder synced",
		"stored", res.Stored,
		"duplicates", res.Duplicates,
		"gone", res.Gone,
		"failed", len(res.Failed),
		"checkpoint", res.Checkpoint,
	)
	return res, nil
}

// startCursor returns the UID to list after, resetting the checkpoint when
// the folder's UIDVALIDITY changed.
func (s *Syncer) startCursor(ctx context.Context, folder string, status source.FolderStatus, res *FolderResult, logger *slog.Logger) (uint32, error) {
	cp, ok, err := s.tracker.Checkpoint(ctx, folder)
	if err != nil {
		return 0, &archive.FatalError{Op: "read checkpoint", Err: err}
	}

	switch {
	case ok && cp.UIDValidity == status.UIDValidity:
		return cp.LastUID, nil
	case ok:
		logger.Warn("uidvalidity changed, restarting folder from the beginning",
			"stored", cp.UIDValidity, "current", status.UIDValidity, "lastUID", cp.LastUID)
		res.EpochReset = true
		s.recorder.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeEpochReset, Folder: folder})
	}

	if s.opts.DryRun {
		return 0, nil
	}
	if err := s.tracker.ResetCheckpoint(ctx, folder, status.UIDValidity); err != nil {
		return 0, &archive.FatalError{Op: "reset checkpoint", Err: err}
	}
	return 0, nil
}

func (s *Syncer) syncBatch(ctx context.Context, src source.Source, policy *retry.Policy, folder string, uidValidity uint32, batch []uint32, cursor *checkpointTracker, res *FolderResult, logger *slog.Logger) error {
	summaries, err := retry.Call(ctx, policy, "fetch summaries", func(ctx context.Context) ([]model.Summary, error) {
		return src.FetchSummaries(ctx, folder, batch)
	})
	if err != nil {
		if isFatal(err) || ctx.Err() != nil {
			return err
		}
		for _, uid := range batch {
			s.messageFailed(folder, uid, err, cursor, res, logger)
		}
		return nil
	}

	byUID := make(map[uint32]model.Summary, len(summaries))
	for _, sum := range summaries {
		byUID[sum.UID] = sum
	}

	for _, uid := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		sum, found := byUID[uid]
		if !found {
			// expunged since the search
			res.Gone++
			cursor.succeed(uid)
			continue
		}

		id := identity.Normalize(sum.MessageID)
		if id != "" {
			known, err := s.tracker.Exists(ctx, id)
			if err != nil {
				return &archive.FatalError{Op: "exists", Err: err}
			}
			if known {
				res.Duplicates++
				cursor.succeed(uid)
				s.recorder.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeDuplicate, Folder: folder, UID: uid, Identity: id})
				continue
			}
		}

		if s.opts.DryRun {
			res.DryRun++
			s.recorder.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeDryRun, Folder: folder, UID: uid, Identity: id})
			continue
		}

		hint := archive.Hint{
			Identity:     id,
			InternalDate: sum.InternalDate,
			Folder:       folder,
			UID:          uid,
			UIDValidity:  uidValidity,
		}
		result, err := s.fetchAndStore(ctx, src, policy, folder, uid, hint)
		switch {
		case err == nil:
			if result.Outcome == archive.OutcomeDuplicate {
				res.Duplicates++
			} else {
				res.Stored++
			}
			cursor.succeed(uid)
		case errors.Is(err, source.ErrMessageGone):
			res.Gone++
			cursor.succeed(uid)
		case isFatal(err):
			cursor.fail(uid)
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.messageFailed(folder, uid, err, cursor, res, logger)
		}
	}
	return nil
}

// fetchAndStore downloads one message straight into the archive. Failures
// while reading the source stream are retried; local store failures are not.
func (s *Syncer) fetchAndStore(ctx context.Context, src source.Source, policy *retry.Policy, folder string, uid uint32, hint archive.Hint) (archive.Result, error) {
	return retry.Call(ctx, policy, fmt.Sprintf("fetch %d", uid), func(ctx context.Context) (archive.Result, error) {
		rc, err := src.OpenMessage(ctx, folder, uid)
		if err != nil {
			return archive.Result{}, err
		}
		defer rc.Close()

		body := &trackingReader{r: rc}
		result, err := s.archiver.Store(ctx, body, hint)
		if err == nil {
			return result, nil
		}
		if archive.IsFatal(err) {
			return archive.Result{}, retry.Permanent(err)
		}
		if body.err != nil || errors.Is(err, context.DeadlineExceeded) {
			return archive.Result{}, err
		}
		return archive.Result{}, retry.Permanent(err)
	})
}

func (s *Syncer) messageFailed(folder string, uid uint32, err error, cursor *checkpointTracker, res *FolderResult, logger *slog.Logger) {
	cursor.fail(uid)
	res.Failed = append(res.Failed, FailedMessage{UID: uid, Err: err})
	logger.Warn("message failed", "uid", uid, "err", err)
	s.recorder.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFailed, Folder: folder, UID: uid, Err: err})
}

func (s *Syncer) folderFailed(folder string, err error) {
	s.logger.Error("folder sync failed", "folder", folder, "err", err)
	s.recorder.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFolderFailed, Folder: folder, Err: err})
	s.mu.Lock()
	s.failed[folder] = err
	s.mu.Unlock()
}

func (s *Syncer) addResult(res FolderResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

// Results returns the per-folder results collected so far.
func (s *Syncer) Results() []FolderResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FolderResult, len(s.results))
	copy(out, s.results)
	return out
}

// Err reports folders that could not be synced.
func (s *Syncer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(s.failed))
	for folder, err := range s.failed {
		errs = append(errs, fmt.Errorf("%s: %w", folder, err))
	}
	return fmt.Errorf("%w: %d folders failed: %w", ErrIncomplete, len(s.failed), errors.Join(errs...))
}

func isFatal(err error) bool {
	return archive.IsFatal(err) || source.IsAuthError(err) || errors.Is(err, state.ErrCorrupt)
}

// trackingReader remembers the first read error of the source stream.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
