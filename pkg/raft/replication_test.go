package raft

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// grantingTransport wins elections for the sender and parks every
// replication round until released, keeping it in flight.
type grantingTransport struct {
	appends atomic.Int64
	release chan struct{}
}

func (t *grantingTransport) SendRequestVote(_ string, args *RequestVoteArgs, reply *RequestVoteReply) error {
	reply.Term = args.Term
	reply.VoteGranted = true
	return nil
}

func (t *grantingTransport) SendAppendEntries(string, *AppendEntriesArgs, *AppendEntriesReply) error {
	t.appends.Add(1)
	<-t.release
	return errors.New("dropped")
}

func (t *grantingTransport) SendInstallSnapshot(string, *InstallSnapshotArgs, *InstallSnapshotReply) error {
	return errors.New("dropped")
}

func TestStaleResultKeepsRoundInFlight(t *testing.T) {
	tr := &grantingTransport{release: make(chan struct{})}
	opts := Options{
		ElectionTimeoutMin: 10 * time.Millisecond,
		ElectionTimeoutMax: 20 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
	}
	n, err := NewNode("a", opts, NewMemoryStorage(), tr, &stubSM{})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.Bootstrap([]string{"a", "b"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	n.Start()
	defer close(tr.release)
	defer n.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for n.Status().Role != Leader {
		if time.Now().After(deadline) {
			t.Fatal("no election")
		}
		time.Sleep(5 * time.Millisecond)
	}
	term := n.Status().Term

	// one round toward b goes out and parks inside the transport
	deadline = time.Now().Add(2 * time.Second)
	for tr.appends.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no replication round started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a straggler result from an earlier term must not free the slot
	n.post(&appendResult{term: term - 1, peer: "b"})

	// many heartbeat intervals pass; only the parked round may exist
	time.Sleep(100 * time.Millisecond)
	if got := tr.appends.Load(); got != 1 {
		t.Errorf("%d rounds toward b, want the single parked one", got)
	}
}
