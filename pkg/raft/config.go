package raft

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Options tune a Node. The zero value is usable; withDefaults fills
// the gaps.
type Options struct {
	// ElectionTimeoutMin/Max bound the randomized election timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is the leader's idle append cadence. Must be
	// well below ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// MaxEntriesPerAppend caps the batch size of one replication
	// round. Lagging peers receive full batches; caught-up peers
	// receive only the new tail.
	MaxEntriesPerAppend int

	// SnapshotThreshold is the number of applied entries beyond the
	// latest snapshot that triggers compaction. 0 disables automatic
	// snapshots.
	SnapshotThreshold uint64
	// SnapshotChunkSize bounds the payload of one InstallSnapshot
	// chunk.
	SnapshotChunkSize int

	// CatchUpSlack is how far behind the leader's tail an added
	// voter's match index may be when a membership change promotes
	// it.
	CatchUpSlack uint64

	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.ElectionTimeoutMin == 0 {
		o.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if o.ElectionTimeoutMax == 0 {
		o.ElectionTimeoutMax = 2 * o.ElectionTimeoutMin
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = o.ElectionTimeoutMin / 3
	}
	if o.MaxEntriesPerAppend == 0 {
		o.MaxEntriesPerAppend = 64
	}
	if o.SnapshotChunkSize == 0 {
		o.SnapshotChunkSize = 256 * 1024
	}
	if o.CatchUpSlack == 0 {
		o.CatchUpSlack = 16
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	return o
}

func (o Options) validate() error {
	if o.ElectionTimeoutMax < o.ElectionTimeoutMin {
		return fmt.Errorf("raft: election timeout max %v below min %v", o.ElectionTimeoutMax, o.ElectionTimeoutMin)
	}
	if o.HeartbeatInterval >= o.ElectionTimeoutMin {
		return fmt.Errorf("raft: heartbeat interval %v not below election timeout %v", o.HeartbeatInterval, o.ElectionTimeoutMin)
	}
	if o.MaxEntriesPerAppend < 0 || o.SnapshotChunkSize < 0 {
		return fmt.Errorf("raft: negative batch or chunk size")
	}
	return nil
}
