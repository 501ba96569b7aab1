package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/imap-archive/source"
)

func mboxMessage(id, subject, date, body string) string {
	var b strings.Builder
	b.WriteString("From sender@example.com Mon Jan  1 00:00:00 2024\n")
	if id != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\n", id)
	}
	fmt.Fprintf(&b, "Date: %s\n", date)
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	b.WriteString("From: Sender <sender@example.com>\n\n")
	b.WriteString(body)
	b.WriteString("\n\n")
	return b.String()
}

func writeMbox(t *testing.T, dir, name string, messages ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(messages, "")), 0o644); err != nil {
		t.Fatalf("write mbox: %v", err)
	}
	return path
}

func testDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeMbox(t, dir, "INBOX.mbox",
		mboxMessage("one@example.com", "one", "Mon, 01 Jan 2024 10:00:00 +0000", "first body"),
		mboxMessage("two@example.com", "two", "Fri, 01 Mar 2024 10:00:00 +0000", "second body"),
		mboxMessage("", "three", "Mon, 01 Jul 2024 10:00:00 +0000", "third body"),
	)
	writeMbox(t, dir, "Sent.mbox",
		mboxMessage("sent@example.com", "sent", "Tue, 02 Jan 2024 10:00:00 +0000", "sent body"),
	)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newSource(t *testing.T, opts Options) *Source {
	t.Helper()
	s, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func TestListFolders(t *testing.T) {
	s := newSource(t, Options{Path: testDir(t)})
	folders, err := s.ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if want := []string{"INBOX", "Sent"}; !slices.Equal(folders, want) {
		t.Fatalf("folders = %v, want %v", folders, want)
	}
}

func TestSingleFilePath(t *testing.T) {
	dir := testDir(t)
	s := newSource(t, Options{Path: filepath.Join(dir, "Sent.mbox")})
	folders, err := s.ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if want := []string{"Sent"}; !slices.Equal(folders, want) {
		t.Fatalf("folders = %v, want %v", folders, want)
	}
}

func TestSelectAndList(t *testing.T) {
	ctx := context.Background()
	s := newSource(t, Options{Path: testDir(t)})

	status, err := s.SelectFolder(ctx, "INBOX")
	if err != nil {
		t.Fatalf("SelectFolder: %v", err)
	}
	if status.Messages != 3 || status.UIDNext != 4 || status.UIDValidity == 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	uids, err := s.UIDsSince(ctx, "INBOX", 0, source.DateRange{})
	if err != nil {
		t.Fatalf("UIDsSince: %v", err)
	}
	if want := []uint32{1, 2, 3}; !slices.Equal(uids, want) {
		t.Fatalf("uids = %v, want %v", uids, want)
	}

	uids, _ = s.UIDsSince(ctx, "INBOX", 1, source.DateRange{})
	if want := []uint32{2, 3}; !slices.Equal(uids, want) {
		t.Fatalf("uids since 1 = %v, want %v", uids, want)
	}

	dates := source.DateRange{
		Since:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Before: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	uids, _ = s.UIDsSince(ctx, "INBOX", 0, dates)
	if want := []uint32{2}; !slices.Equal(uids, want) {
		t.Fatalf("uids in range = %v, want %v", uids, want)
	}
}

func TestFetchSummaries(t *testing.T) {
	ctx := context.Background()
	s := newSource(t, Options{Path: testDir(t)})

	summaries, err := s.FetchSummaries(ctx, "INBOX", []uint32{1, 3, 9})
	if err != nil {
		t.Fatalf("FetchSummaries: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].MessageID != "one@example.com" {
		t.Errorf("MessageID = %q", summaries[0].MessageID)
	}
	if want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC); !summaries[0].InternalDate.Equal(want) {
		t.Errorf("InternalDate = %v, want %v", summaries[0].InternalDate, want)
	}
	if summaries[0].Size == 0 {
		t.Error("Size not counted")
	}
	if summaries[1].UID != 3 || summaries[1].MessageID != "" {
		t.Errorf("unexpected summary %+v", summaries[1])
	}
}

func readMessage(t *testing.T, s *Source, folder string, uid uint32) string {
	t.Helper()
	rc, err := s.OpenMessage(context.Background(), folder, uid)
	if err != nil {
		t.Fatalf("OpenMessage(%d): %v", uid, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read message %d: %v", uid, err)
	}
	return string(data)
}

func TestOpenMessage(t *testing.T) {
	s := newSource(t, Options{Path: testDir(t)})

	if got := readMessage(t, s, "INBOX", 2); !strings.Contains(got, "Subject: two") {
		t.Fatalf("message 2 = %q", got)
	}
	if got := readMessage(t, s, "INBOX", 3); !strings.Contains(got, "third body") {
		t.Fatalf("message 3 = %q", got)
	}
	// going backwards reopens the file
	if got := readMessage(t, s, "INBOX", 1); !strings.Contains(got, "first body") {
		t.Fatalf("message 1 = %q", got)
	}
	if got := readMessage(t, s, "Sent", 1); !strings.Contains(got, "sent body") {
		t.Fatalf("sent message = %q", got)
	}

	_, err := s.OpenMessage(context.Background(), "INBOX", 9)
	if !errors.Is(err, source.ErrMessageGone) {
		t.Fatalf("OpenMessage(9) error = %v, want ErrMessageGone", err)
	}
}

func TestUIDValidity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := mboxMessage("a@example.com", "a", "Mon, 01 Jan 2024 10:00:00 +0000", "a")
	path := writeMbox(t, dir, "INBOX.mbox", first)

	s := newSource(t, Options{Path: dir})
	before, err := s.SelectFolder(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}

	writeMbox(t, dir, "INBOX.mbox", first, mboxMessage("b@example.com", "b", "Tue, 02 Jan 2024 10:00:00 +0000", "b"))
	appended, err := s.SelectFolder(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if appended.UIDValidity != before.UIDValidity {
		t.Fatalf("append changed uid validity %d -> %d", before.UIDValidity, appended.UIDValidity)
	}
	if appended.Messages != 2 {
		t.Fatalf("Messages = %d, want 2", appended.Messages)
	}

	if err := os.WriteFile(path, []byte(mboxMessage("c@example.com", "c", "Wed, 03 Jan 2024 10:00:00 +0000", "c")), 0o644); err != nil {
		t.Fatal(err)
	}
	rewritten, err := s.SelectFolder(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if rewritten.UIDValidity == before.UIDValidity {
		t.Fatal("rewrite kept uid validity")
	}
}

func TestRewriteDuringSyncIsDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeMbox(t, dir, "INBOX.mbox", mboxMessage("a@example.com", "a", "Mon, 01 Jan 2024 10:00:00 +0000", "a"))

	s := newSource(t, Options{Path: dir})
	if _, err := s.SelectFolder(ctx, "INBOX"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(mboxMessage("z@example.com", "z", "Mon, 01 Jan 2024 10:00:00 +0000", "z")), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.OpenMessage(ctx, "INBOX", 1)
	if !errors.Is(err, ErrFileChanged) {
		t.Fatalf("OpenMessage error = %v, want ErrFileChanged", err)
	}
}

func TestHeaderFilters(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		opts Options
		want []uint32
	}{
		{"no filters", Options{}, []uint32{1, 2, 3}},
		{"include header", Options{IncludeHeader: []string{`Subject: t`}}, []uint32{2, 3}},
		{"exclude header", Options{ExcludeHeader: []string{`Subject: two`}}, []uint32{1, 3}},
		{"include body", Options{IncludeBody: []string{`first`}}, []uint32{1}},
		{"exclude body", Options{ExcludeBody: []string{`body`}}, nil},
	}
	dir := testDir(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Path = dir
			s := newSource(t, tt.opts)
			uids, err := s.UIDsSince(ctx, "INBOX", 0, source.DateRange{})
			if err != nil {
				t.Fatalf("UIDsSince: %v", err)
			}
			if !slices.Equal(uids, tt.want) {
				t.Fatalf("uids = %v, want %v", uids, tt.want)
			}
		})
	}
}

func TestNewRejectsConflictingFilters(t *testing.T) {
	_, err := New(Options{Path: "x", IncludeHeader: []string{"a"}, ExcludeBody: []string{"b"}}, nil)
	if !errors.Is(err, errFilterModeConflict) {
		t.Fatalf("New error = %v, want errFilterModeConflict", err)
	}
	if _, err := New(Options{}, nil); err == nil {
		t.Fatal("New accepted an empty path")
	}
	if _, err := New(Options{Path: "x", IncludeHeader: []string{"("}}, nil); err == nil {
		t.Fatal("New accepted an invalid pattern")
	}
}

func TestUnknownFolder(t *testing.T) {
	s := newSource(t, Options{Path: testDir(t)})
	if _, err := s.SelectFolder(context.Background(), "Archive"); err == nil {
		t.Fatal("SelectFolder succeeded for a missing file")
	}
}

func TestConnectMissingPath(t *testing.T) {
	s, err := New(Options{Path: filepath.Join(t.TempDir(), "missing")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded for a missing path")
	}
}
