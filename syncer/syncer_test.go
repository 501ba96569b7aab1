package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/imap-archive/archive"
	"github.com/dhcgn/imap-archive/filter"
	"github.com/dhcgn/imap-archive/model"
	"github.com/dhcgn/imap-archive/retry"
	"github.com/dhcgn/imap-archive/runner"
	"github.com/dhcgn/imap-archive/source"
	"github.com/dhcgn/imap-archive/state"
)

type fakeMessage struct {
	uid       uint32
	messageID string
	date      time.Time
}

func (m fakeMessage) raw() string {
	var b strings.Builder
	if m.messageID != "" {
		fmt.Fprintf(&b, "Message-Id: <%s>\r\n", m.messageID)
	}
	fmt.Fprintf(&b, "Subject: message %d\r\nFrom: sender@example.com\r\n\r\nbody %d\r\n", m.uid, m.uid)
	return b.String()
}

type fakeFolder struct {
	validity uint32
	messages []fakeMessage
}

// fakeSource serves folders from memory. Failures are keyed by UID.
type fakeSource struct {
	mu        sync.Mutex
	folders   map[string]*fakeFolder
	openErr   map[uint32]error
	flaky     map[uint32]int
	expungeAt map[uint32]bool
	authFail  bool
	onOpen    func(uid uint32)
	opened    []uint32
	connected int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		folders:   make(map[string]*fakeFolder),
		openErr:   make(map[uint32]error),
		flaky:     make(map[uint32]int),
		expungeAt: make(map[uint32]bool),
	}
}

func (f *fakeSource) addFolder(name string, validity uint32, msgs ...fakeMessage) {
	f.folders[name] = &fakeFolder{validity: validity, messages: msgs}
}

func (f *fakeSource) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authFail {
		return &source.AuthError{Source: "fake", Message: "invalid credentials"}
	}
	f.connected++
	return nil
}

func (f *fakeSource) ListFolders(context.Context) ([]string, error) {
	names := make([]string, 0, len(f.folders))
	for name := range f.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeSource) SelectFolder(_ context.Context, folder string) (source.FolderStatus, error) {
	fo, ok := f.folders[folder]
	if !ok {
		return source.FolderStatus{}, fmt.Errorf("no such folder %s", folder)
	}
	return source.FolderStatus{UIDValidity: fo.validity, Messages: uint32(len(fo.messages))}, nil
}

func (f *fakeSource) UIDsSince(_ context.Context, folder string, since uint32, dates source.DateRange) ([]uint32, error) {
	var out []uint32
	for _, m := range f.folders[folder].messages {
		if m.uid > since && dates.Contains(m.date) {
			out = append(out, m.uid)
		}
	}
	return out, nil
}

func (f *fakeSource) FetchSummaries(_ context.Context, folder string, uids []uint32) ([]model.Summary, error) {
	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	var out []model.Summary
	for _, m := range f.folders[folder].messages {
		if want[m.uid] && !f.expungeAt[m.uid] {
			out = append(out, model.Summary{UID: m.uid, MessageID: m.messageID, InternalDate: m.date, Size: int64(len(m.raw()))})
		}
	}
	return out, nil
}

func (f *fakeSource) OpenMessage(_ context.Context, folder string, uid uint32) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened = append(f.opened, uid)
	hook := f.onOpen
	if n := f.flaky[uid]; n > 0 {
		f.flaky[uid] = n - 1
		f.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	err := f.openErr[uid]
	f.mu.Unlock()

	if hook != nil {
		hook(uid)
	}
	if err != nil {
		return nil, err
	}
	for _, m := range f.folders[folder].messages {
		if m.uid == uid {
			return io.NopCloser(strings.NewReader(m.raw())), nil
		}
	}
	return nil, source.ErrMessageGone
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) openedUIDs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.opened...)
}

func messages(uids ...uint32) []fakeMessage {
	out := make([]fakeMessage, 0, len(uids))
	for _, uid := range uids {
		out = append(out, fakeMessage{uid: uid, messageID: fmt.Sprintf("m%d@example.com", uid), date: time.Unix(1700000000+int64(uid), 0)})
	}
	return out
}

type harness struct {
	src     *fakeSource
	tracker *state.MemoryTracker
	writer  *archive.Writer
	root    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	tracker := state.NewMemoryTracker()
	w, err := archive.New(archive.Options{Root: root, Host: "test"}, tracker, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{src: newFakeSource(), tracker: tracker, writer: w, root: root}
}

func (h *harness) syncer(opts Options) *Syncer {
	opts.Retry = retry.Options{
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		BreakerThreshold: 50,
		BreakerCooldown:  10 * time.Millisecond,
		OpTimeout:        time.Second,
	}
	return New(opts, func() source.Source { return h.src }, h.writer, h.tracker, nil, nil)
}

func (h *harness) syncFolder(t *testing.T, s *Syncer, folder string) (FolderResult, error) {
	t.Helper()
	policy := retry.New(folder, s.opts.Retry, nil, nil)
	return s.SyncFolder(context.Background(), h.src, policy, folder)
}

func (h *harness) checkpoint(t *testing.T, folder string) model.Checkpoint {
	t.Helper()
	cp, ok, err := h.tracker.Checkpoint(context.Background(), folder)
	if err != nil || !ok {
		t.Fatalf("Checkpoint(%s) = %v, %v", folder, ok, err)
	}
	return cp
}

func countFiles(t *testing.T, root, suffix string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, suffix) {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCheckpointTracker(t *testing.T) {
	tests := []struct {
		name  string
		start uint32
		steps []int64 // positive: success, negative: failure
		want  uint32
	}{
		{"all succeed", 10, []int64{11, 12, 13}, 13},
		{"failure in the middle", 10, []int64{11, -12, 13}, 11},
		{"first fails", 10, []int64{-11, 12, 13}, 10},
		{"two failures", 0, []int64{1, 2, -3, 4, -5, 6}, 2},
		{"gap before failure", 10, []int64{11, -15, 16}, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &checkpointTracker{safe: tt.start}
			for _, step := range tt.steps {
				if step > 0 {
					c.succeed(uint32(step))
				} else {
					c.fail(uint32(-step))
				}
			}
			if c.safe != tt.want {
				t.Errorf("safe = %d, want %d", c.safe, tt.want)
			}
		})
	}
}

func TestSyncFolder_FailureHoldsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(11, 12, 13)...)
	h.src.openErr[12] = &source.MessageError{UID: 12, Err: errors.New("NO message unavailable")}
	ctx := context.Background()
	if err := h.tracker.ResetCheckpoint(ctx, "INBOX", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.tracker.SetCheckpoint(ctx, model.Checkpoint{Folder: "INBOX", LastUID: 10, UIDValidity: 1}); err != nil {
		t.Fatal(err)
	}

	s := h.syncer(Options{})
	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatalf("SyncFolder() error = %v", err)
	}
	if res.Stored != 2 || len(res.Failed) != 1 || res.Failed[0].UID != 12 {
		t.Errorf("result = %+v", res)
	}
	if got := h.checkpoint(t, "INBOX").LastUID; got != 11 {
		t.Fatalf("checkpoint = %d, want 11", got)
	}

	// the next run retries 12 and sees 13 as a duplicate
	delete(h.src.openErr, 12)
	res, err = h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatalf("second SyncFolder() error = %v", err)
	}
	if res.Listed != 2 || res.Stored != 1 || res.Duplicates != 1 {
		t.Errorf("second result = %+v", res)
	}
	if got := h.checkpoint(t, "INBOX").LastUID; got != 13 {
		t.Errorf("checkpoint = %d, want 13", got)
	}
}

func TestSyncFolder_FreezeSpansBatches(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2, 3, 4, 5, 6)...)
	h.src.openErr[2] = &source.MessageError{UID: 2, Err: errors.New("NO")}

	s := h.syncer(Options{BatchSize: 2})
	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatalf("SyncFolder() error = %v", err)
	}
	if res.Stored != 5 {
		t.Errorf("Stored = %d, want 5", res.Stored)
	}
	if got := h.checkpoint(t, "INBOX").LastUID; got != 1 {
		t.Errorf("checkpoint = %d, want 1", got)
	}
}

func TestSyncFolder_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 7, messages(1, 2, 3, 4, 5)...)
	s := h.syncer(Options{BatchSize: 2})

	if _, err := h.syncFolder(t, s, "INBOX"); err != nil {
		t.Fatal(err)
	}
	before := countFiles(t, h.root, ".eml")
	if before != 5 {
		t.Fatalf("archived %d messages, want 5", before)
	}

	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.Listed != 0 || res.Stored != 0 {
		t.Errorf("second run = %+v, want nothing new", res)
	}
	if after := countFiles(t, h.root, ".eml"); after != before {
		t.Errorf("files = %d, want %d", after, before)
	}
	if countFiles(t, h.root, archive.SidecarSuffix) != before {
		t.Error("every message needs exactly one sidecar")
	}
}

func TestSyncFolder_SameMessageInTwoFolders(t *testing.T) {
	h := newHarness(t)
	shared := fakeMessage{uid: 1, messageID: "shared@example.com", date: time.Unix(1700000000, 0)}
	h.src.addFolder("INBOX", 1, shared)
	h.src.addFolder("Archive", 1, shared)
	s := h.syncer(Options{})

	first, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.syncFolder(t, s, "Archive")
	if err != nil {
		t.Fatal(err)
	}
	if first.Stored != 1 || second.Duplicates != 1 || second.Stored != 0 {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
	if n := countFiles(t, h.root, ".eml"); n != 1 {
		t.Errorf("archived %d files, want 1", n)
	}
	if got := h.checkpoint(t, "Archive").LastUID; got != 1 {
		t.Errorf("Archive checkpoint = %d, want 1", got)
	}
}

func TestSyncFolder_UIDValidityChangeResets(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2, 3)...)
	s := h.syncer(Options{})
	if _, err := h.syncFolder(t, s, "INBOX"); err != nil {
		t.Fatal(err)
	}

	// the server renumbered the folder
	h.src.addFolder("INBOX", 2, append(messages(1, 2), fakeMessage{uid: 3, messageID: "new@example.com"})...)
	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if !res.EpochReset || res.Listed != 3 {
		t.Errorf("result = %+v, want reset and full listing", res)
	}
	if res.Duplicates != 2 || res.Stored != 1 {
		t.Errorf("duplicates=%d stored=%d", res.Duplicates, res.Stored)
	}
	cp := h.checkpoint(t, "INBOX")
	if cp.UIDValidity != 2 || cp.LastUID != 3 {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestSyncFolder_ExpungedMessagesAreAccounted(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2, 3)...)
	h.src.expungeAt[2] = true
	s := h.syncer(Options{})

	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.Gone != 1 || res.Stored != 2 {
		t.Errorf("result = %+v", res)
	}
	if got := h.checkpoint(t, "INBOX").LastUID; got != 3 {
		t.Errorf("checkpoint = %d, want 3", got)
	}
}

func TestSyncFolder_TransientFailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2)...)
	h.src.flaky[2] = 3
	s := h.syncer(Options{})

	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 2 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestSyncFolder_CancellationKeepsSafeCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2, 3, 4, 5, 6)...)
	s := h.syncer(Options{BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	h.src.onOpen = func(uid uint32) {
		if uid == 4 {
			cancel()
		}
	}

	policy := retry.New("INBOX", s.opts.Retry, nil, nil)
	_, err := s.SyncFolder(ctx, h.src, policy, "INBOX")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncFolder() error = %v, want context.Canceled", err)
	}
	if got := h.checkpoint(t, "INBOX").LastUID; got != 3 {
		t.Errorf("checkpoint = %d, want 3", got)
	}

	// resuming archives the rest exactly once
	h.src.onOpen = nil
	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 3 {
		t.Errorf("resumed Stored = %d, want 3", res.Stored)
	}
	if n := countFiles(t, h.root, ".eml"); n != 6 {
		t.Errorf("archived %d files, want 6", n)
	}
}

func TestSyncFolder_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2, 3)...)
	s := h.syncer(Options{DryRun: true})

	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.DryRun != 3 {
		t.Errorf("DryRun = %d, want 3", res.DryRun)
	}
	if len(h.src.openedUIDs()) != 0 {
		t.Error("dry run downloaded messages")
	}
	if _, ok, _ := h.tracker.Checkpoint(context.Background(), "INBOX"); ok {
		t.Error("dry run wrote a checkpoint")
	}
	if n := countFiles(t, h.root, ".eml"); n != 0 {
		t.Errorf("dry run archived %d files", n)
	}
}

func TestSyncFolder_DateRange(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2, 3, 4)...)
	s := h.syncer(Options{Since: time.Unix(1700000002, 0), Before: time.Unix(1700000004, 0)})

	res, err := h.syncFolder(t, s, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.Listed != 2 || res.Stored != 2 {
		t.Errorf("result = %+v, want UIDs 2 and 3 only", res)
	}
}

func TestRun_AllFoldersWithRunner(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1, 2)...)
	h.src.addFolder("Sent", 1, messages(10, 11)...)
	h.src.addFolder("Spam", 1, messages(20)...)

	f, err := filter.New(filter.Options{ExcludeFolders: []string{"^Spam$"}})
	if err != nil {
		t.Fatal(err)
	}
	s := h.syncer(Options{Workers: 2, Filter: f})

	r := runner.New(context.Background(), nil)
	s.Run(r)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if n := countFiles(t, h.root, ".eml"); n != 4 {
		t.Errorf("archived %d files, want 4", n)
	}
	if len(s.Results()) != 2 {
		t.Errorf("results = %d, want 2", len(s.Results()))
	}
}

func TestRun_AuthFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1)...)
	h.src.authFail = true
	s := h.syncer(Options{})

	r := runner.New(context.Background(), nil)
	s.Run(r)
	err := r.Start()
	if !source.IsAuthError(err) {
		t.Fatalf("Start() error = %v, want auth error", err)
	}
}

func TestRun_FolderFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.src.addFolder("INBOX", 1, messages(1)...)
	h.src.addFolder("Work", 1, messages(2)...)
	s := h.syncer(Options{})

	// a folder that disappears between listing and selection
	ghost := &ghostSource{fakeSource: h.src, missing: "INBOX"}
	s.sources = func() source.Source { return ghost }

	r := runner.New(context.Background(), nil)
	s.Run(r)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !errors.Is(s.Err(), ErrIncomplete) {
		t.Errorf("Err() = %v, want ErrIncomplete", s.Err())
	}
	if n := countFiles(t, h.root, ".eml"); n != 1 {
		t.Errorf("archived %d files, want 1", n)
	}
}

type ghostSource struct {
	*fakeSource
	missing string
}

func (g *ghostSource) SelectFolder(ctx context.Context, folder string) (source.FolderStatus, error) {
	if folder == g.missing {
		return source.FolderStatus{}, retry.Permanent(fmt.Errorf("NO mailbox %s does not exist", folder))
	}
	return g.fakeSource.SelectFolder(ctx, folder)
}
