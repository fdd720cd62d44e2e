package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/openraftlabs/openraft/pkg/raft"
)

func entry(index, term uint64, data string) raft.LogEntry {
	return raft.LogEntry{Index: index, Term: term, Type: raft.EntryNormal, Data: []byte(data)}
}

func TestHardStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()

	hs, err := s.LoadHardState()
	if err != nil {
		t.Fatalf("LoadHardState: %v", err)
	}
	if hs.Term != 0 || hs.VotedFor != "" {
		t.Errorf("fresh hard state = %+v", hs)
	}

	want := raft.HardState{Term: 7, VotedFor: "n2"}
	if err := s.SaveHardState(want); err != nil {
		t.Fatalf("SaveHardState: %v", err)
	}
	got, err := s.LoadHardState()
	if err != nil {
		t.Fatalf("LoadHardState: %v", err)
	}
	if got != want {
		t.Errorf("hard state = %+v, want %+v", got, want)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	if err := s.Append([]raft.LogEntry{entry(1, 1, "a"), entry(2, 1, "b")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// a second append lands in a separate batch of frames
	if err := s.Append([]raft.LogEntry{entry(3, 2, "c")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	entries, err := s2.LoadEntries()
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[2].Index != 3 || entries[2].Term != 2 || string(entries[2].Data) != "c" {
		t.Errorf("entries[2] = %+v", entries[2])
	}
}

func TestTruncateAfterAndCompactBefore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()

	var batch []raft.LogEntry
	for i := uint64(1); i <= 6; i++ {
		batch = append(batch, entry(i, 1, "x"))
	}
	if err := s.Append(batch); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.TruncateAfter(4); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	if err := s.CompactBefore(2); err != nil {
		t.Fatalf("CompactBefore: %v", err)
	}
	entries, err := s.LoadEntries()
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 3 || entries[0].Index != 2 || entries[2].Index != 4 {
		t.Errorf("entries = %v, want indexes 2..4", entries)
	}

	// appends continue to work after a rewrite
	if err := s.Append([]raft.LogEntry{entry(5, 2, "y")}); err != nil {
		t.Fatalf("Append after rewrite: %v", err)
	}
	entries, _ = s.LoadEntries()
	if len(entries) != 4 || entries[3].Index != 5 {
		t.Errorf("entries = %v, want tail at 5", entries)
	}
}

func TestTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	if err := s.Append([]raft.LogEntry{entry(1, 1, "a"), entry(2, 1, "b")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// simulate a crash mid-append: a frame with a missing body
	walPath := filepath.Join(dir, "wal")
	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 1, 0, 0xde, 0xad}); err != nil {
		t.Fatalf("write torn frame: %v", err)
	}
	f.Close()

	s2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	entries, err := s2.LoadEntries()
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want the 2 intact ones", len(entries))
	}
}

func TestSnapshotRoundTripAndPruning(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()

	none, err := s.LoadSnapshot()
	if err != nil || none != nil {
		t.Fatalf("LoadSnapshot on empty dir = (%v, %v)", none, err)
	}

	old := &raft.Snapshot{
		LastIndex:  5,
		LastTerm:   1,
		Membership: raft.StableMembership([]string{"a", "b"}, nil),
		Data:       []byte("old image"),
	}
	if err := s.SaveSnapshot(old); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	newer := &raft.Snapshot{
		LastIndex:  9,
		LastTerm:   2,
		Membership: raft.StableMembership([]string{"a", "b", "c"}, []string{"d"}),
		Data:       []byte("new image"),
	}
	if err := s.SaveSnapshot(newer); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got == nil || got.LastIndex != 9 || got.LastTerm != 2 {
		t.Fatalf("snapshot = %+v, want the index-9 one", got)
	}
	if !bytes.Equal(got.Data, newer.Data) {
		t.Errorf("data = %q", got.Data)
	}
	if !got.Membership.IsLearner("d") {
		t.Errorf("membership = %+v", got.Membership)
	}

	// the older file is pruned
	dirents, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(dirents) != 1 {
		names := make([]string, 0, len(dirents))
		for _, d := range dirents {
			names = append(names, d.Name())
		}
		t.Errorf("snapshot dir = %v, want only the latest", names)
	}
}

func TestConfigEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer s.Close()

	m := raft.Membership{
		Joint:     true,
		OldVoters: []string{"a", "b", "c"},
		NewVoters: []string{"b", "c", "d"},
		Learners:  []string{"e"},
	}
	cfg := raft.LogEntry{Index: 4, Term: 3, Type: raft.EntryConfig, Config: &m}
	if err := s.Append([]raft.LogEntry{cfg}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := s.LoadEntries()
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Config == nil {
		t.Fatalf("entries = %+v", entries)
	}
	got := entries[0].Config
	if !got.Joint || !got.IsVoter("d") || !got.IsLearner("e") {
		t.Errorf("config = %+v", got)
	}
}
