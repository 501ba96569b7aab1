package stats

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCollectorApply(t *testing.T) {
	c := NewCollector()
	boom := errors.New("boom")

	c.Record(Event{Type: EventTypeListed, Count: 5})
	c.Record(Event{Type: EventTypeStored})
	c.Record(Event{Type: EventTypeStored})
	c.Record(Event{Type: EventTypeDuplicate})
	c.Record(Event{Type: EventTypeFailed, Err: boom})
	c.Record(Event{Type: EventTypeRecovered, Count: 3})

	s := c.Snapshot()
	if s.Listed != 5 || s.Stored != 2 || s.Duplicates != 1 || s.Failed != 1 || s.Recovered != 3 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if !errors.Is(s.LastError, boom) {
		t.Fatalf("expected last error to be recorded, got %v", s.LastError)
	}
}

func TestCollectorRunStopsOnClose(t *testing.T) {
	c := NewCollector()
	events := make(chan Event, 2)
	events <- Event{Type: EventTypeStored}
	close(events)

	c.Run(context.Background(), events)
	if got := c.Snapshot().Stored; got != 1 {
		t.Fatalf("expected 1 stored, got %d", got)
	}
}

func TestFlusherWritesStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	f := NewFlusher(FlushOptions{Path: path}, func() Summary { return Summary{Stored: 4} }, nil)

	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	doc, err := ReadStatus(path)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if doc.Stored != 4 {
		t.Fatalf("expected stored=4, got %d", doc.Stored)
	}
}

func TestFlusherDegradesAfterRepeatedFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "status.json")
	f := NewFlusher(FlushOptions{Path: path, MaxFailures: 2, ErrorBuffer: 1}, func() Summary { return Summary{} }, nil)

	if err := f.Flush(); err == nil {
		t.Fatalf("expected first flush to fail")
	}
	if f.Degraded() {
		t.Fatalf("must not degrade before MaxFailures")
	}
	if err := f.Flush(); err == nil {
		t.Fatalf("expected second flush to fail")
	}
	if !f.Degraded() {
		t.Fatalf("expected flusher to degrade")
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("degraded flusher must drop work silently, got %v", err)
	}

	select {
	case err := <-f.Errors():
		if err == nil {
			t.Fatalf("expected an error on the channel")
		}
	default:
		t.Fatalf("expected a buffered flush error")
	}
}

func TestFlusherRunFlushesOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	f := NewFlusher(FlushOptions{Path: path, Interval: time.Hour}, func() Summary { return Summary{Listed: 1} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected final flush on shutdown: %v", err)
	}
}
