// Package archive writes messages into a Maildir-style tree, one immutable
// .eml file plus a .meta.json sidecar per message.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dhcgn/imap-archive/identity"
	"github.com/dhcgn/imap-archive/model"
	"github.com/dhcgn/imap-archive/stats"
)

const (
	SidecarSuffix = ".meta.json"
	MessageSuffix = ".eml"

	defaultCollisionAttempts = 5
)

var (
	// ErrCollisionExhausted is returned when no free final filename was found.
	ErrCollisionExhausted = errors.New("filename collision retries exhausted")
	ErrMalformedSidecar   = errors.New("malformed sidecar")
)

// FatalError wraps failures that must abort a run: index errors and a full disk.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the run rather than fail one message.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Index is the subset of the dedup index the writer needs.
type Index interface {
	Exists(ctx context.Context, identity string) (bool, error)
	InsertIfAbsent(ctx context.Context, rec model.Record) (bool, error)
}

type Options struct {
	Root                 string
	Host                 string
	MaxCollisionAttempts int
}

type Outcome int

const (
	OutcomeStored Outcome = iota + 1
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Hint carries what the caller already knows about a message.
type Hint struct {
	// Identity is the normalized identity, empty when the source had none.
	Identity     string
	InternalDate time.Time
	Folder       string
	UID          uint32
	UIDValidity  uint32
}

type Result struct {
	Outcome  Outcome
	Identity string
	Path     string
	Sidecar  model.Sidecar
}

type Writer struct {
	root        string
	host        string
	maxAttempts int
	index       Index
	logger      *slog.Logger
	recorder    stats.Recorder
	now         func() time.Time
	locks       identityLocks
}

func New(opts Options, index Index, logger *slog.Logger, recorder stats.Recorder) (*Writer, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("archive root is empty")
	}
	if index == nil {
		return nil, fmt.Errorf("index must not be nil")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}

	host := opts.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	host = sanitizeHost(host)

	attempts := opts.MaxCollisionAttempts
	if attempts <= 0 {
		attempts = defaultCollisionAttempts
	}
	if recorder == nil {
		recorder = stats.Discard
	}

	return &Writer{
		root:        filepath.Clean(root),
		host:        host,
		maxAttempts: attempts,
		index:       index,
		logger:      logger,
		recorder:    recorder,
		now:         time.Now,
	}, nil
}

// Root returns the archive root directory.
func (w *Writer) Root() string {
	return w.root
}

// Store archives one message read from r. The stream is never buffered in
// memory; it is written to the folder's tmp/ directory and linked into cur/
// only once complete.
func (w *Writer) Store(ctx context.Context, r io.Reader, hint Hint) (Result, error) {
	id := hint.Identity
	if id != "" {
		dup, err := w.exists(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if dup {
			return w.duplicate(hint, id), nil
		}
	}

	dirs, err := w.EnsureFolder(hint.Folder)
	if err != nil {
		return Result{}, err
	}

	tmp, err := os.CreateTemp(dirs.Tmp, fmt.Sprintf("%d.%d_*.%s", w.now().Unix(), os.Getpid(), w.host))
	if err != nil {
		return Result{}, ioFailure("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	size, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		return Result{}, ioFailure("stream message", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Result{}, ioFailure("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, ioFailure("close temp file", err)
	}

	meta, err := readHeader(tmpName)
	if err != nil && w.logger != nil {
		w.logger.Debug("message header unreadable", "folder", hint.Folder, "uid", hint.UID, "err", err)
	}

	if id == "" {
		id = identity.ForMessage(meta.MessageID, hint.InternalDate, identity.Seed(hint.Folder, hint.UIDValidity, hint.UID))
	}

	unlock := w.locks.lock(id)
	defer unlock()

	// Another store of this identity may have completed while the stream
	// was being written.
	dup, err := w.exists(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if dup {
		return w.duplicate(hint, id), nil
	}

	date := hint.InternalDate
	if date.IsZero() {
		date = meta.Date
	}
	if date.IsZero() {
		date = w.now()
	}

	finalPath, adopted, err := w.link(ctx, tmpName, dirs.Cur, date, id)
	if err != nil {
		return Result{}, err
	}
	if adopted != nil {
		return w.adopt(ctx, hint, finalPath, *adopted)
	}

	sidecar := model.Sidecar{
		Identity:       id,
		Subject:        meta.Subject,
		From:           meta.From,
		To:             meta.To,
		Date:           meta.Date,
		Folder:         hint.Folder,
		ArchivedAt:     w.now().UTC(),
		HasAttachments: meta.HasAttachments,
		UID:            hint.UID,
		UIDValidity:    hint.UIDValidity,
		Size:           size,
		Filename:       filepath.Base(finalPath),
	}
	if err := w.writeSidecar(dirs.Tmp, finalPath, sidecar); err != nil {
		_ = os.Remove(finalPath)
		return Result{}, ioFailure("write sidecar", err)
	}

	inserted, err := w.index.InsertIfAbsent(ctx, sidecar.Record())
	if err != nil {
		return Result{}, &FatalError{Op: "insert record", Err: err}
	}
	if !inserted {
		// Indexed by another writer since the check above; its pair wins.
		_ = os.Remove(finalPath + SidecarSuffix)
		_ = os.Remove(finalPath)
		return w.duplicate(hint, id), nil
	}

	w.recorder.Record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeStored, Folder: hint.Folder, UID: hint.UID, Identity: id})
	if w.logger != nil {
		w.logger.Debug("archived message", "folder", hint.Folder, "uid", hint.UID, "identity", id, "path", finalPath, "size", size)
	}

	return Result{Outcome: OutcomeStored, Identity: id, Path: finalPath, Sidecar: sidecar}, nil
}

func (w *Writer) exists(ctx context.Context, id string) (bool, error) {
	ok, err := w.index.Exists(ctx, id)
	if err != nil {
		return false, &FatalError{Op: "exists", Err: err}
	}
	return ok, nil
}

// adopt indexes a complete pair that an earlier run published but stopped
// before recording.
func (w *Writer) adopt(ctx context.Context, hint Hint, path string, sc model.Sidecar) (Result, error) {
	inserted, err := w.index.InsertIfAbsent(ctx, sc.Record())
	if err != nil {
		return Result{}, &FatalError{Op: "insert record", Err: err}
	}
	if !inserted {
		return w.duplicate(hint, sc.Identity), nil
	}
	w.recorder.Record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeStored, Folder: hint.Folder, UID: hint.UID, Identity: sc.Identity})
	if w.logger != nil {
		w.logger.Info("indexed message archived by an earlier run", "folder", hint.Folder, "uid", hint.UID, "identity", sc.Identity, "path", path)
	}
	return Result{Outcome: OutcomeStored, Identity: sc.Identity, Path: path, Sidecar: sc}, nil
}

func (w *Writer) duplicate(hint Hint, id string) Result {
	w.recorder.Record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeDuplicate, Folder: hint.Folder, UID: hint.UID, Identity: id})
	if w.logger != nil {
		w.logger.Debug("duplicate message skipped", "folder", hint.Folder, "uid", hint.UID, "identity", id)
	}
	return Result{Outcome: OutcomeDuplicate, Identity: id}
}

// link publishes the completed temp file under its final name. os.Link never
// replaces an existing file, so a taken name moves on to the next suffix. A
// taken name whose sidecar already carries id is returned as adopted instead.
func (w *Writer) link(ctx context.Context, tmpName, curDir string, date time.Time, id string) (string, *model.Sidecar, error) {
	replaced := false
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		finalPath := filepath.Join(curDir, w.filename(date, id, attempt))
		err := os.Link(tmpName, finalPath)
		if err == nil {
			if err := syncDir(curDir); err != nil {
				_ = os.Remove(finalPath)
				return "", nil, ioFailure("sync folder", err)
			}
			return finalPath, nil, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, ioFailure("link message", err)
		}

		if sc, scErr := readSidecar(finalPath + SidecarSuffix); scErr == nil && sc.Identity == id {
			return finalPath, &sc, nil
		}

		// A final file without sidecar is left over from an interrupted
		// store of this same name; it never became visible as archived.
		if _, statErr := os.Stat(finalPath + SidecarSuffix); !replaced && errors.Is(statErr, fs.ErrNotExist) {
			if w.logger != nil {
				w.logger.Warn("replacing orphaned message file", "path", finalPath)
			}
			if rmErr := os.Remove(finalPath); rmErr == nil {
				replaced = true
				attempt--
				continue
			}
		}
		if w.logger != nil {
			w.logger.Debug("final filename taken", "path", finalPath, "attempt", attempt+1)
		}
	}
	return "", nil, fmt.Errorf("%w: %s after %d attempts", ErrCollisionExhausted, id, w.maxAttempts)
}

func (w *Writer) filename(date time.Time, id string, attempt int) string {
	host := w.host
	if attempt > 0 {
		host = fmt.Sprintf("%s,%d", host, attempt)
	}
	return fmt.Sprintf("%d.%s.%s:2,S%s", date.Unix(), id, host, MessageSuffix)
}

func (w *Writer) writeSidecar(tmpDir, finalPath string, sc model.Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	return writeFileAtomic(tmpDir, finalPath+SidecarSuffix, data, 0o644)
}

// writeFileAtomic stages data in tmpDir and renames it to path.
func writeFileAtomic(tmpDir, path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(tmpDir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// ioFailure marks a full disk as fatal and leaves other errors per-message.
func ioFailure(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return &FatalError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// identityLocks serializes the commit of one identity across workers.
type identityLocks struct {
	mu   sync.Mutex
	held map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func (l *identityLocks) lock(id string) func() {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*identityLock)
	}
	e, ok := l.held[id]
	if !ok {
		e = &identityLock{}
		l.held[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func sanitizeHost(host string) string {
	host = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\', ',':
			return '_'
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(host))
	if host == "" {
		host = "localhost"
	}
	if len(host) > 64 {
		host = host[:64]
	}
	return host
}
