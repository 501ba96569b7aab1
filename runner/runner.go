package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-archive/stats"
)

const subscriberBuffer = 256

type StageFunc func(context.Context) error

// Runner runs stages concurrently and cancels them all on the first error.
// It also implements stats.Recorder: every recorded event is delivered to
// each subscriber on its own channel.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.RWMutex
	subs   []chan stats.Event
	closed bool

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(parent context.Context, logger *slog.Logger) *Runner {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		since:  time.Now(),
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// Record delivers evt to every subscriber. Events recorded after the
// stages have finished are dropped.
func (r *Runner) Record(evt stats.Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	if r.closed {
		return
	}
	for _, ch := range r.subs {
		ch <- evt
	}
}

// EmitEvent is an alias of Record.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.Record(evt)
}

// SubscribeStats registers fn to receive all events. Subscribers must be
// registered before the first stage is added.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, subscriberBuffer)

	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		err := fn(r.ctx, ch)
		// keep Record from blocking on a subscriber that returned early
		for range ch {
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for all stages, closes the event streams and waits for the
// subscribers. It returns the first stage or subscriber error.
func (r *Runner) Start() error {
	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration)
	return nil
}

// Err returns the first recorded failure, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		r.closed = true
		for _, ch := range r.subs {
			close(ch)
		}
		r.subsMu.Unlock()
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
