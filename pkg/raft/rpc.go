package raft

// RequestVoteArgs is sent by candidates to gather votes.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs replicates log entries; empty Entries is a
// heartbeat.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply carries a conflict hint on rejection so the
// leader can skip nextIndex backward in bulk: ConflictTerm is the term
// of the follower's conflicting entry (0 if its log is simply short)
// and ConflictIndex the first index the leader should retry from.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotArgs streams a snapshot in bounded chunks. Offset is
// the byte position of Data within the snapshot; Done marks the final
// chunk.
type InstallSnapshotArgs struct {
	Term       uint64
	LeaderID   string
	LastIndex  uint64
	LastTerm   uint64
	Membership Membership
	Offset     uint64
	Data       []byte
	Done       bool
}

type InstallSnapshotReply struct {
	Term uint64
}
