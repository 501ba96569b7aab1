package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/imap-archive/model"
)

// ErrCorrupt is returned when the index datastore fails an integrity check
// or reports storage-level corruption.
var ErrCorrupt = errors.New("index datastore is corrupt")

// Tracker is the dedup index: archived identities plus per-folder checkpoints.
type Tracker interface {
	Exists(ctx context.Context, identity string) (bool, error)
	InsertIfAbsent(ctx context.Context, rec model.Record) (bool, error)
	InsertRecords(ctx context.Context, recs []model.Record) (int, error)

	Checkpoint(ctx context.Context, folder string) (model.Checkpoint, bool, error)
	// SetCheckpoint advances a folder's checkpoint. It is a no-op unless
	// LastUID is greater than the stored value and UIDValidity matches.
	SetCheckpoint(ctx context.Context, cp model.Checkpoint) (bool, error)
	// ResetCheckpoint rewinds a folder to the beginning under a new UIDValidity.
	ResetCheckpoint(ctx context.Context, folder string, uidValidity uint32) error
	Checkpoints(ctx context.Context) ([]model.Checkpoint, error)

	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

type Snapshot struct {
	Processed int
	PerFolder map[string]int
}

// MemoryTracker keeps the index in memory. It backs dry runs and tests.
type MemoryTracker struct {
	mu          sync.RWMutex
	processed   map[string]model.Record
	checkpoints map[string]model.Checkpoint
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		processed:   make(map[string]model.Record),
		checkpoints: make(map[string]model.Checkpoint),
	}
}

func (m *MemoryTracker) Exists(_ context.Context, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, nil
	}

	m.mu.RLock()
	_, ok := m.processed[identity]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryTracker) InsertIfAbsent(_ context.Context, rec model.Record) (bool, error) {
	if strings.TrimSpace(rec.Identity) == "" {
		return false, ErrEmptyIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[rec.Identity]; exists {
		return false, nil
	}
	m.processed[rec.Identity] = rec
	return true, nil
}

func (m *MemoryTracker) InsertRecords(ctx context.Context, recs []model.Record) (int, error) {
	inserted := 0
	for _, rec := range recs {
		ok, err := m.InsertIfAbsent(ctx, rec)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (m *MemoryTracker) Checkpoint(_ context.Context, folder string) (model.Checkpoint, bool, error) {
	m.mu.RLock()
	cp, ok := m.checkpoints[folder]
	m.mu.RUnlock()
	return cp, ok, nil
}

func (m *MemoryTracker) SetCheckpoint(_ context.Context, cp model.Checkpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.checkpoints[cp.Folder]
	if ok && (cp.UIDValidity != current.UIDValidity || cp.LastUID <= current.LastUID) {
		return false, nil
	}
	cp.UpdatedAt = time.Now().UTC()
	m.checkpoints[cp.Folder] = cp
	return true, nil
}

func (m *MemoryTracker) ResetCheckpoint(_ context.Context, folder string, uidValidity uint32) error {
	m.mu.Lock()
	m.checkpoints[folder] = model.Checkpoint{
		Folder:      folder,
		UIDValidity: uidValidity,
		UpdatedAt:   time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Checkpoints(_ context.Context) ([]model.Checkpoint, error) {
	m.mu.RLock()
	out := make([]model.Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		out = append(out, cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out, nil
}

func (m *MemoryTracker) Snapshot(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Processed: len(m.processed), PerFolder: make(map[string]int)}
	for _, rec := range m.processed {
		snap.PerFolder[rec.Folder]++
	}
	return snap, nil
}

func (m *MemoryTracker) Close() error {
	return nil
}

// ErrEmptyIdentity rejects records without an identity.
var ErrEmptyIdentity = errors.New("record identity is empty")
