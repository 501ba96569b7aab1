package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource  Stage = "source"
	StageArchive Stage = "archive"
	StageIndex   Stage = "index"
	StageSync    Stage = "sync"
)

type EventType string

const (
	EventTypeListed       EventType = "listed"
	EventTypeStored       EventType = "stored"
	EventTypeDryRun       EventType = "dry_run"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeFailed       EventType = "failed"
	EventTypeCheckpoint   EventType = "checkpoint"
	EventTypeEpochReset   EventType = "epoch_reset"
	EventTypeRetry        EventType = "retry"
	EventTypeBreakerOpen  EventType = "breaker_open"
	EventTypeRecovered    EventType = "recovered"
	EventTypeMalformed    EventType = "malformed"
	EventTypeFolderDone   EventType = "folder_done"
	EventTypeFolderFailed EventType = "folder_failed"
)

type Event struct {
	Stage    Stage
	Type     EventType
	Folder   string
	UID      uint32
	Identity string
	Count    int
	Err      error
	Detail   string
}

// Recorder receives events from the components that produce them.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Event)

func (f RecorderFunc) Record(evt Event) { f(evt) }

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(Event) {})

type Summary struct {
	Listed      int
	Stored      int
	DryRun      int
	Duplicates  int
	Failed      int
	Checkpoints int
	EpochResets int
	Retries     int
	BreakerOpen int
	Recovered   int
	Malformed   int
	Folders     int
	FolderFails int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"stored", s.Stored,
		"duplicates", s.Duplicates,
		"failed", s.Failed,
		"folders", s.Folders,
		"checkpoints", s.Checkpoints,
		"retries", s.Retries,
	}
	if s.DryRun > 0 {
		attrs = append(attrs, "dryRun", s.DryRun)
	}
	if s.EpochResets > 0 {
		attrs = append(attrs, "epochResets", s.EpochResets)
	}
	if s.BreakerOpen > 0 {
		attrs = append(attrs, "breakerOpen", s.BreakerOpen)
	}
	if s.FolderFails > 0 {
		attrs = append(attrs, "folderFailures", s.FolderFails)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

// Record applies a single event synchronously.
func (c *Collector) Record(evt Event) {
	c.apply(evt)
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.Count
	case EventTypeStored:
		c.summary.Stored++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeCheckpoint:
		c.summary.Checkpoints++
	case EventTypeEpochReset:
		c.summary.EpochResets++
	case EventTypeRetry:
		c.summary.Retries++
	case EventTypeBreakerOpen:
		c.summary.BreakerOpen++
	case EventTypeRecovered:
		c.summary.Recovered += evt.Count
	case EventTypeMalformed:
		c.summary.Malformed++
	case EventTypeFolderDone:
		c.summary.Folders++
	case EventTypeFolderFailed:
		c.summary.FolderFails++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N entries of a map by value.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
