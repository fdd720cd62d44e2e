package raft

import (
	"bytes"
	"testing"
	"time"
)

func TestInstallSnapshotChunked(t *testing.T) {
	n, sm := newTestNode(t, "a", []string{"a", "b"})

	data := []byte("snapshot image payload")
	m := StableMembership([]string{"a", "b", "c"}, nil)

	var reply InstallSnapshotReply
	first := &InstallSnapshotArgs{
		Term: 2, LeaderID: "b", LastIndex: 10, LastTerm: 2,
		Membership: m, Offset: 0, Data: data[:8],
	}
	if err := n.InstallSnapshot(first, &reply); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	// nothing installed until the final chunk
	if st := n.Status(); st.CommitIndex != 0 {
		t.Errorf("commit advanced early: %+v", st)
	}

	second := &InstallSnapshotArgs{
		Term: 2, LeaderID: "b", LastIndex: 10, LastTerm: 2,
		Membership: m, Offset: 8, Data: data[8:], Done: true,
	}
	if err := n.InstallSnapshot(second, &reply); err != nil {
		t.Fatalf("final chunk: %v", err)
	}

	st := n.Status()
	if st.CommitIndex != 10 || st.LastApplied != 10 || st.LastLogIndex != 10 {
		t.Errorf("status = %+v, want commit=applied=last=10", st)
	}
	if !st.Membership.IsVoter("c") {
		t.Error("snapshot membership not adopted")
	}
	if st.Role != Follower {
		t.Errorf("role = %v, want follower", st.Role)
	}
	if !bytes.Equal(sm.last(), data) {
		t.Errorf("restored %q, want %q", sm.last(), data)
	}
}

func TestInstallSnapshotOutOfOrderChunkIgnored(t *testing.T) {
	n, _ := newTestNode(t, "a", []string{"a", "b"})

	m := StableMembership([]string{"a", "b"}, nil)
	var reply InstallSnapshotReply
	stray := &InstallSnapshotArgs{
		Term: 2, LeaderID: "b", LastIndex: 10, LastTerm: 2,
		Membership: m, Offset: 8, Data: []byte("tail"), Done: true,
	}
	if err := n.InstallSnapshot(stray, &reply); err != nil {
		t.Fatalf("stray chunk: %v", err)
	}
	if st := n.Status(); st.CommitIndex != 0 {
		t.Errorf("stray chunk installed: %+v", st)
	}
}

func TestInstallSnapshotBehindCommitIgnored(t *testing.T) {
	n, sm := newTestNode(t, "a", []string{"a", "b"})

	var ar AppendEntriesReply
	fill := &AppendEntriesArgs{
		Term: 1, LeaderID: "b", PrevLogIndex: 1, PrevLogTerm: 0,
		Entries: []LogEntry{
			{Index: 2, Term: 1, Type: EntryNormal, Data: []byte("x")},
			{Index: 3, Term: 1, Type: EntryNormal, Data: []byte("y")},
		},
		LeaderCommit: 3,
	}
	if err := n.AppendEntries(fill, &ar); err != nil || !ar.Success {
		t.Fatalf("fill = (%+v, %v)", ar, err)
	}
	applied := sm.count()

	var reply InstallSnapshotReply
	old := &InstallSnapshotArgs{
		Term: 1, LeaderID: "b", LastIndex: 2, LastTerm: 1,
		Membership: StableMembership([]string{"a", "b"}, nil),
		Offset:     0, Data: []byte("stale"), Done: true,
	}
	if err := n.InstallSnapshot(old, &reply); err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}
	st := n.Status()
	if st.CommitIndex != 3 || st.LastLogIndex != 3 {
		t.Errorf("status = %+v, snapshot behind commit must not regress", st)
	}
	if sm.count() != applied {
		t.Error("stale snapshot touched the state machine")
	}
}

func TestLeaderCompactsPastThreshold(t *testing.T) {
	store := NewMemoryStorage()
	sm := &stubSM{}
	opts := Options{
		ElectionTimeoutMin: 10 * time.Millisecond,
		ElectionTimeoutMax: 20 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
		SnapshotThreshold:  4,
	}
	n, err := NewNode("a", opts, store, stubTransport{}, sm)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.Bootstrap([]string{"a"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	n.Start()
	defer n.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for n.Status().Role != Leader {
		if time.Now().After(deadline) {
			t.Fatal("no self-election")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 8; i++ {
		if _, err := n.Propose([]byte{byte(i)}).Result(); err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
	}

	snap, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("no snapshot written past the threshold")
	}
	if snap.LastIndex < 4 {
		t.Errorf("snapshot through %d, want at least 4", snap.LastIndex)
	}
	ents, _ := store.LoadEntries()
	for _, e := range ents {
		if e.Index <= snap.LastIndex {
			t.Errorf("entry %d survived compaction through %d", e.Index, snap.LastIndex)
		}
	}
}
