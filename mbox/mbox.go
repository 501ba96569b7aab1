// Package mbox reads a directory of mbox files as a read-only mail source,
// one folder per file, for offline imports.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-archive/model"
	"github.com/dhcgn/imap-archive/retry"
	"github.com/dhcgn/imap-archive/source"
)

const (
	Extension = ".mbox"

	// validityPrefix caps how much of the first message feeds a file's
	// UIDVALIDITY. Appending messages keeps the value, rewriting the start
	// of the file changes it.
	validityPrefix = 4096
)

var (
	ErrFileChanged        = errors.New("mbox file was rewritten during sync")
	errFilterModeConflict = errors.New("include and exclude filters are mutually exclusive")
)

type Options struct {
	// Path is a directory of *.mbox files or a single mbox file.
	Path          string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Source implements source.Source over mbox files. UIDs are 1-based message
// ordinals within a file.
type Source struct {
	path   string
	logger *slog.Logger

	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool

	files   map[string]string
	indexes map[string]*folderIndex
	cursor  *cursor
}

var _ source.Source = (*Source)(nil)

type folderIndex struct {
	path     string
	validity uint32
	entries  []entry
}

type entry struct {
	summary model.Summary
	skipped bool
}

type cursor struct {
	folder string
	file   *os.File
	reader *mboxlib.Reader
	next   uint32
}

func New(opts Options, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, errFilterModeConflict
	}

	return &Source{
		path:           path,
		logger:         logger,
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
		indexes:        make(map[string]*folderIndex),
	}, nil
}

// NewFactory validates opts once and returns a factory of independent
// sources over the same path.
func NewFactory(opts Options, logger *slog.Logger) (source.Factory, error) {
	if _, err := New(opts, logger); err != nil {
		return nil, err
	}
	return func() source.Source {
		s, _ := New(opts, logger)
		return s
	}, nil
}

func (s *Source) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err != nil {
		return retry.Permanent(fmt.Errorf("open mbox path: %w", err))
	}
	return nil
}

func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := discover(s.path)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	s.files = files

	folders := make([]string, 0, len(files))
	for name := range files {
		folders = append(folders, name)
	}
	slices.Sort(folders)
	return folders, nil
}

func discover(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox path: %w", err)
	}
	files := make(map[string]string)
	if !info.IsDir() {
		files[folderName(path)] = path
		return files, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read mbox dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Extension) {
			continue
		}
		files[folderName(e.Name())] = filepath.Join(path, e.Name())
	}
	return files, nil
}

func folderName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Source) filePath(folder string) (string, error) {
	if s.files == nil {
		files, err := discover(s.path)
		if err != nil {
			return "", retry.Permanent(err)
		}
		s.files = files
	}
	path, ok := s.files[folder]
	if !ok {
		return "", retry.Permanent(fmt.Errorf("mbox folder %q not found", folder))
	}
	return path, nil
}

// SelectFolder scans the file once and keeps a summary per message.
func (s *Source) SelectFolder(ctx context.Context, folder string) (source.FolderStatus, error) {
	idx, err := s.scan(ctx, folder)
	if err != nil {
		return source.FolderStatus{}, err
	}
	s.indexes[folder] = idx
	if s.cursor != nil && s.cursor.folder == folder {
		s.closeCursor()
	}
	return source.FolderStatus{
		UIDValidity: idx.validity,
		UIDNext:     uint32(len(idx.entries)) + 1,
		Messages:    uint32(len(idx.entries)),
	}, nil
}

func (s *Source) index(ctx context.Context, folder string) (*folderIndex, error) {
	if idx, ok := s.indexes[folder]; ok {
		return idx, nil
	}
	if _, err := s.SelectFolder(ctx, folder); err != nil {
		return nil, err
	}
	return s.indexes[folder], nil
}

func (s *Source) scan(ctx context.Context, folder string) (*folderIndex, error) {
	path, err := s.filePath(folder)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat mbox: %w", err)
	}
	validity, err := prefixHash(file)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek mbox: %w", err)
	}

	idx := &folderIndex{path: path, validity: validity}
	reader := mboxlib.NewReader(file)
	for uid := uint32(1); ; uid++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, retry.Permanent(fmt.Errorf("message %d: %w", uid, err))
		}
		e, err := s.summarize(uid, msgReader, info.ModTime())
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", uid, err)
		}
		idx.entries = append(idx.entries, e)
	}

	if s.logger != nil {
		s.logger.Debug("mbox folder scanned", "folder", folder, "path", path, "messages", len(idx.entries), "uid_validity", validity)
	}
	return idx, nil
}

func (s *Source) summarize(uid uint32, r io.Reader, modTime time.Time) (entry, error) {
	counter := &countingReader{r: r}
	var raw *bytes.Buffer
	var src io.Reader = counter
	if s.includeMode || s.excludeMode {
		raw = &bytes.Buffer{}
		src = io.TeeReader(counter, raw)
	}

	sum := model.Summary{UID: uid, InternalDate: modTime.UTC()}
	h, err := textproto.ReadHeader(bufio.NewReader(src))
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("mbox message header unreadable", "uid", uid, "err", err)
		}
	} else {
		messageID, date := headerFields(h)
		sum.MessageID = messageID
		if !date.IsZero() {
			sum.InternalDate = date.UTC()
		}
	}
	if _, err := io.Copy(io.Discard, src); err != nil {
		return entry{}, err
	}
	sum.Size = counter.n

	e := entry{summary: sum}
	if raw != nil {
		header, body := splitRawMessage(raw.Bytes())
		e.skipped = !s.allows(header, body)
	}
	return e, nil
}

func headerFields(h textproto.Header) (string, time.Time) {
	mh := mail.Header{Header: message.Header{Header: h}}
	messageID, err := mh.MessageID()
	if err != nil || messageID == "" {
		messageID = strings.TrimSpace(h.Get("Message-Id"))
	}
	date, err := mh.Date()
	if err != nil {
		date = time.Time{}
	}
	return messageID, date
}

func (s *Source) UIDsSince(ctx context.Context, folder string, since uint32, dates source.DateRange) ([]uint32, error) {
	idx, err := s.index(ctx, folder)
	if err != nil {
		return nil, err
	}
	var uids []uint32
	for _, e := range idx.entries {
		if e.summary.UID <= since || e.skipped {
			continue
		}
		if !dates.Contains(e.summary.InternalDate) {
			continue
		}
		uids = append(uids, e.summary.UID)
	}
	return uids, nil
}

func (s *Source) FetchSummaries(ctx context.Context, folder string, uids []uint32) ([]model.Summary, error) {
	idx, err := s.index(ctx, folder)
	if err != nil {
		return nil, err
	}
	summaries := make([]model.Summary, 0, len(uids))
	for _, uid := range uids {
		if uid == 0 || int(uid) > len(idx.entries) {
			continue
		}
		summaries = append(summaries, idx.entries[uid-1].summary)
	}
	return summaries, nil
}

// OpenMessage streams message uid. Reading in ascending UID order reuses one
// open file; going backwards reopens it.
func (s *Source) OpenMessage(ctx context.Context, folder string, uid uint32) (io.ReadCloser, error) {
	idx, err := s.index(ctx, folder)
	if err != nil {
		return nil, err
	}
	if uid == 0 || int(uid) > len(idx.entries) {
		return nil, source.ErrMessageGone
	}

	if s.cursor == nil || s.cursor.folder != folder || s.cursor.next > uid {
		if err := s.openCursor(folder, idx); err != nil {
			return nil, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgReader, err := s.cursor.reader.NextMessage()
		if err != nil {
			s.closeCursor()
			if errors.Is(err, io.EOF) {
				return nil, source.ErrMessageGone
			}
			return nil, &source.MessageError{UID: uid, Err: err}
		}
		current := s.cursor.next
		s.cursor.next++
		if current == uid {
			return io.NopCloser(msgReader), nil
		}
	}
}

func (s *Source) openCursor(folder string, idx *folderIndex) error {
	s.closeCursor()
	file, err := os.Open(idx.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	validity, err := prefixHash(file)
	if err == nil && validity != idx.validity {
		err = retry.Permanent(fmt.Errorf("%w: %s", ErrFileChanged, idx.path))
	}
	if err == nil {
		_, err = file.Seek(0, io.SeekStart)
	}
	if err != nil {
		file.Close()
		return err
	}
	s.cursor = &cursor{folder: folder, file: file, reader: mboxlib.NewReader(file), next: 1}
	return nil
}

func (s *Source) closeCursor() {
	if s.cursor == nil {
		return
	}
	_ = s.cursor.file.Close()
	s.cursor = nil
}

func (s *Source) Close() error {
	s.closeCursor()
	return nil
}

// prefixHash hashes the start of the first message, capped at
// validityPrefix bytes.
func prefixHash(r io.Reader) (uint32, error) {
	buf := make([]byte, validityPrefix)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("hash mbox prefix: %w", err)
	}
	buf = buf[:n]
	if i := bytes.Index(buf, []byte("\nFrom ")); i >= 0 {
		buf = buf[:i+1]
	}
	h := fnv.New32a()
	_, _ = h.Write(buf)
	return h.Sum32(), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Source) allows(header, body []byte) bool {
	var headerText, bodyText string
	if s.needHeaderText {
		headerText = string(header)
	}
	if s.needBodyText {
		bodyText = string(body)
	}

	if s.includeMode {
		return matchAny(s.includeHeader, headerText) || matchAny(s.includeBody, bodyText)
	}
	if s.excludeMode {
		if matchAny(s.excludeHeader, headerText) || matchAny(s.excludeBody, bodyText) {
			return false
		}
	}
	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func splitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}
