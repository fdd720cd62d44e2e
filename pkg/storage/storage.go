// Package storage persists Raft state on disk: a length-prefixed gob
// WAL for log entries, a state file for term and vote, and snapshot
// files named by their last included index and term.
package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openraftlabs/openraft/pkg/raft"
)

// FileStorage implements raft.Storage on a data directory.
type FileStorage struct {
	mu          sync.Mutex
	wal         *wal
	stateFile   string
	snapshotDir string
}

func NewFileStorage(dataDir string) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	snapDir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, err
	}
	w, err := openWAL(filepath.Join(dataDir, "wal"))
	if err != nil {
		return nil, err
	}
	return &FileStorage{
		wal:         w,
		stateFile:   filepath.Join(dataDir, "state"),
		snapshotDir: snapDir,
	}, nil
}

func (s *FileStorage) LoadHardState() (raft.HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hs raft.HardState
	f, err := os.Open(s.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return hs, nil
		}
		return hs, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&hs); err != nil {
		return raft.HardState{}, fmt.Errorf("decode hard state: %w", err)
	}
	return hs, nil
}

func (s *FileStorage) SaveHardState(hs raft.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.stateFile + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(hs); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.stateFile)
}

func (s *FileStorage) LoadEntries() ([]raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.readAll()
}

func (s *FileStorage) Append(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.append(entries)
}

func (s *FileStorage) TruncateAfter(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.wal.readAll()
	if err != nil {
		return err
	}
	keep := entries[:0]
	for _, e := range entries {
		if e.Index <= index {
			keep = append(keep, e)
		}
	}
	return s.wal.rewrite(keep)
}

func (s *FileStorage) CompactBefore(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.wal.readAll()
	if err != nil {
		return err
	}
	keep := make([]raft.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Index >= index {
			keep = append(keep, e)
		}
	}
	return s.wal.rewrite(keep)
}

func (s *FileStorage) snapshotPath(index, term uint64) string {
	return filepath.Join(s.snapshotDir, fmt.Sprintf("snapshot-%d-%d", index, term))
}

func (s *FileStorage) SaveSnapshot(snap *raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.snapshotPath(snap.LastIndex, snap.LastTerm)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.pruneSnapshots(snap.LastIndex)
	return nil
}

// pruneSnapshots drops snapshots older than the latest.
func (s *FileStorage) pruneSnapshots(latest uint64) {
	dirents, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return
	}
	for _, d := range dirents {
		if filepath.Ext(d.Name()) == ".tmp" {
			continue
		}
		var index, term uint64
		if _, err := fmt.Sscanf(d.Name(), "snapshot-%d-%d", &index, &term); err != nil {
			continue
		}
		if index < latest {
			os.Remove(filepath.Join(s.snapshotDir, d.Name()))
		}
	}
}

func (s *FileStorage) LoadSnapshot() (*raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirents, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return nil, err
	}
	var latest string
	var latestIndex uint64
	for _, d := range dirents {
		if filepath.Ext(d.Name()) == ".tmp" {
			continue
		}
		var index, term uint64
		if _, err := fmt.Sscanf(d.Name(), "snapshot-%d-%d", &index, &term); err != nil {
			continue
		}
		if index >= latestIndex {
			latestIndex = index
			latest = filepath.Join(s.snapshotDir, d.Name())
		}
	}
	if latest == "" {
		return nil, nil
	}
	f, err := os.Open(latest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var snap raft.Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", latest, err)
	}
	return &snap, nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.close()
}
