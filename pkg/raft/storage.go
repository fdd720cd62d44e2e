package raft

import (
	"errors"
	"sync"
)

// ErrCompacted is returned when a requested log position has been
// discarded by snapshot compaction.
var ErrCompacted = errors.New("raft: log entry compacted away")

// Storage is the durable collaborator beneath a node. Implementations
// must make every mutation durable before returning; the core treats a
// returned error as fatal to its participation (see Node).
//
// Entry indexes are contiguous; the stored suffix begins immediately
// after the latest snapshot's LastIndex (or at 1 with no snapshot).
type Storage interface {
	LoadHardState() (HardState, error)
	SaveHardState(hs HardState) error

	// LoadEntries returns the stored log suffix in ascending order.
	LoadEntries() ([]LogEntry, error)
	// Append adds entries after the current tail.
	Append(entries []LogEntry) error
	// TruncateAfter discards entries with Index > index.
	TruncateAfter(index uint64) error
	// CompactBefore discards entries with Index < index.
	CompactBefore(index uint64) error

	// SaveSnapshot persists snap and makes it the current snapshot.
	SaveSnapshot(snap *Snapshot) error
	// LoadSnapshot returns the current snapshot, or nil if none.
	LoadSnapshot() (*Snapshot, error)

	Close() error
}

// MemoryStorage is a Storage kept entirely in memory, for tests and
// simulations. It survives node restarts within a process, which is
// enough to exercise crash/recovery paths.
type MemoryStorage struct {
	mu      sync.Mutex
	hs      HardState
	entries []LogEntry
	snap    *Snapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) LoadHardState() (HardState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hs, nil
}

func (ms *MemoryStorage) SaveHardState(hs HardState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.hs = hs
	return nil
}

func (ms *MemoryStorage) LoadEntries() ([]LogEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]LogEntry(nil), ms.entries...), nil
}

func (ms *MemoryStorage) Append(entries []LogEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries = append(ms.entries, entries...)
	return nil
}

func (ms *MemoryStorage) TruncateAfter(index uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	keep := ms.entries[:0]
	for _, e := range ms.entries {
		if e.Index <= index {
			keep = append(keep, e)
		}
	}
	ms.entries = keep
	return nil
}

func (ms *MemoryStorage) CompactBefore(index uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	keep := make([]LogEntry, 0, len(ms.entries))
	for _, e := range ms.entries {
		if e.Index >= index {
			keep = append(keep, e)
		}
	}
	ms.entries = keep
	return nil
}

func (ms *MemoryStorage) SaveSnapshot(snap *Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *snap
	cp.Data = append([]byte(nil), snap.Data...)
	cp.Membership = snap.Membership.Clone()
	ms.snap = &cp
	return nil
}

func (ms *MemoryStorage) LoadSnapshot() (*Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.snap == nil {
		return nil, nil
	}
	cp := *ms.snap
	cp.Data = append([]byte(nil), ms.snap.Data...)
	cp.Membership = ms.snap.Membership.Clone()
	return &cp, nil
}

func (ms *MemoryStorage) Close() error { return nil }
