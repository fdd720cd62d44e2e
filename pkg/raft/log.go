package raft

import "fmt"

// raftLog is the in-memory window over the durable log: the suffix
// after the latest snapshot, write-through to Storage. Only the core
// loop mutates it.
type raftLog struct {
	storage Storage

	// entries[i].Index == snapIndex + 1 + i
	entries   []LogEntry
	snapIndex uint64
	snapTerm  uint64
}

func newRaftLog(storage Storage) (*raftLog, error) {
	l := &raftLog{storage: storage}
	snap, err := storage.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		l.snapIndex = snap.LastIndex
		l.snapTerm = snap.LastTerm
	}
	entries, err := storage.LoadEntries()
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	// Drop any prefix the snapshot already covers; a crash between
	// snapshot save and WAL compaction leaves both behind.
	for len(entries) > 0 && entries[0].Index <= l.snapIndex {
		entries = entries[1:]
	}
	l.entries = entries
	return l, nil
}

func (l *raftLog) lastIndex() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Index
	}
	return l.snapIndex
}

func (l *raftLog) lastTerm() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	return l.snapTerm
}

// term returns the term of the entry at index. Index 0 has term 0.
func (l *raftLog) term(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == l.snapIndex {
		return l.snapTerm, nil
	}
	if index < l.snapIndex {
		return 0, ErrCompacted
	}
	if index > l.lastIndex() {
		return 0, fmt.Errorf("raft: index %d beyond last %d", index, l.lastIndex())
	}
	return l.entries[index-l.snapIndex-1].Term, nil
}

func (l *raftLog) entryAt(index uint64) (LogEntry, error) {
	if index <= l.snapIndex {
		return LogEntry{}, ErrCompacted
	}
	if index > l.lastIndex() {
		return LogEntry{}, fmt.Errorf("raft: index %d beyond last %d", index, l.lastIndex())
	}
	return l.entries[index-l.snapIndex-1], nil
}

// slice returns entries in [lo, hi], at most max of them (0 = no cap).
// The returned slice aliases the log; callers must not retain it past
// the next mutation.
func (l *raftLog) slice(lo, hi uint64, max int) ([]LogEntry, error) {
	if lo <= l.snapIndex {
		return nil, ErrCompacted
	}
	if hi > l.lastIndex() {
		hi = l.lastIndex()
	}
	if lo > hi {
		return nil, nil
	}
	ents := l.entries[lo-l.snapIndex-1 : hi-l.snapIndex]
	if max > 0 && len(ents) > max {
		ents = ents[:max]
	}
	return ents, nil
}

// append persists and retains entries, which must directly follow the
// current tail.
func (l *raftLog) append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Index != l.lastIndex()+1 {
		return fmt.Errorf("raft: append at %d, want %d", entries[0].Index, l.lastIndex()+1)
	}
	if err := l.storage.Append(entries); err != nil {
		return err
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// truncateAfter discards entries with Index > index. Committed
// entries are never passed here.
func (l *raftLog) truncateAfter(index uint64) error {
	if index >= l.lastIndex() {
		return nil
	}
	if index < l.snapIndex {
		return ErrCompacted
	}
	if err := l.storage.TruncateAfter(index); err != nil {
		return err
	}
	l.entries = l.entries[:index-l.snapIndex]
	return nil
}

// compactTo discards entries through index, which becomes the snapshot
// boundary.
func (l *raftLog) compactTo(index, term uint64) error {
	if index <= l.snapIndex {
		return nil
	}
	if err := l.storage.CompactBefore(index + 1); err != nil {
		return err
	}
	if index >= l.lastIndex() {
		l.entries = nil
	} else {
		l.entries = append([]LogEntry(nil), l.entries[index-l.snapIndex:]...)
	}
	l.snapIndex = index
	l.snapTerm = term
	return nil
}

// restoreSnapshot resets the log around an installed snapshot,
// discarding everything.
func (l *raftLog) restoreSnapshot(index, term uint64) error {
	if err := l.storage.TruncateAfter(0); err != nil {
		return err
	}
	l.entries = nil
	l.snapIndex = index
	l.snapTerm = term
	return nil
}

// matchTerm reports whether the log has an entry at index with the
// given term (snapshot boundary included).
func (l *raftLog) matchTerm(index, term uint64) bool {
	t, err := l.term(index)
	if err != nil {
		return false
	}
	return t == term
}

// firstIndexOfTerm returns the first index carrying term, for
// conflict hints. Scans only the in-memory window.
func (l *raftLog) firstIndexOfTerm(term uint64) uint64 {
	for _, e := range l.entries {
		if e.Term == term {
			return e.Index
		}
	}
	return 0
}

// lastIndexOfTerm returns the last index carrying term, or 0.
func (l *raftLog) lastIndexOfTerm(term uint64) uint64 {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return l.entries[i].Index
		}
	}
	if term == l.snapTerm {
		return l.snapIndex
	}
	return 0
}

// latestConfig returns the most recent membership recorded at or
// before the tail, falling back to the snapshot's membership.
func (l *raftLog) latestConfig(snapMembership Membership) Membership {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Type == EntryConfig && l.entries[i].Config != nil {
			return l.entries[i].Config.Clone()
		}
	}
	return snapMembership.Clone()
}
