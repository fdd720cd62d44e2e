package raft

import "sort"

// EntryType distinguishes what a log entry carries.
type EntryType uint8

const (
	// EntryNormal carries an opaque application command.
	EntryNormal EntryType = iota
	// EntryConfig carries a membership configuration.
	EntryConfig
	// EntryNoop is appended by a new leader to assert authority and
	// unlock commitment of entries from earlier terms.
	EntryNoop
)

// LogEntry is a single replicated log record. Index is gap-free and
// monotonic within a log; Config is set only for EntryConfig entries.
type LogEntry struct {
	Index  uint64
	Term   uint64
	Type   EntryType
	Data   []byte
	Config *Membership
}

// HardState is the durable per-node election state. It must hit stable
// storage before a vote is answered or a new term is acted on.
type HardState struct {
	Term     uint64
	VotedFor string
}

// Snapshot is a compacted log prefix: the state machine image through
// LastIndex plus the membership in force at that point.
type Snapshot struct {
	LastIndex  uint64
	LastTerm   uint64
	Membership Membership
	Data       []byte
}

// Role is a node's current mode of operation.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
	// RoleLearner receives replication but never votes or counts
	// toward quorums.
	RoleLearner
	// NonVoter is a node outside the current configuration entirely.
	NonVoter
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case RoleLearner:
		return "learner"
	case NonVoter:
		return "nonvoter"
	default:
		return "unknown"
	}
}

// Membership is either a stable configuration (Joint=false, Voters
// active) or a joint one requiring agreement from majorities of both
// OldVoters and NewVoters. Learners are replicated to in every case
// but never counted.
type Membership struct {
	Joint     bool
	Voters    []string
	OldVoters []string
	NewVoters []string
	Learners  []string
}

// StableMembership returns a non-joint configuration.
func StableMembership(voters, learners []string) Membership {
	return Membership{Voters: dedup(voters), Learners: dedup(learners)}
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// VoterIDs returns every node that may vote under this configuration;
// under a joint configuration that is the union of both halves.
func (m Membership) VoterIDs() []string {
	if !m.Joint {
		return append([]string(nil), m.Voters...)
	}
	return dedup(append(append([]string(nil), m.OldVoters...), m.NewVoters...))
}

// PeerIDs returns every node replicated to: voters plus learners.
func (m Membership) PeerIDs() []string {
	return dedup(append(m.VoterIDs(), m.Learners...))
}

// IsVoter reports whether id may vote under this configuration.
func (m Membership) IsVoter(id string) bool {
	if !m.Joint {
		return contains(m.Voters, id)
	}
	return contains(m.OldVoters, id) || contains(m.NewVoters, id)
}

// IsLearner reports whether id is a learner and not also a voter.
func (m Membership) IsLearner(id string) bool {
	return contains(m.Learners, id) && !m.IsVoter(id)
}

// Contains reports whether id participates at all.
func (m Membership) Contains(id string) bool {
	return m.IsVoter(id) || contains(m.Learners, id)
}

// IsEmpty reports an unbootstrapped configuration.
func (m Membership) IsEmpty() bool {
	return len(m.Voters) == 0 && len(m.OldVoters) == 0 && len(m.NewVoters) == 0
}

func majority(n int) int { return n/2 + 1 }

func countGranted(voters []string, granted map[string]bool) int {
	n := 0
	for _, id := range voters {
		if granted[id] {
			n++
		}
	}
	return n
}

// HasQuorum reports whether the granted set satisfies this
// configuration: a majority of Voters, or majorities of both halves
// when joint.
func (m Membership) HasQuorum(granted map[string]bool) bool {
	if m.Joint {
		return countGranted(m.OldVoters, granted) >= majority(len(m.OldVoters)) &&
			countGranted(m.NewVoters, granted) >= majority(len(m.NewVoters))
	}
	if len(m.Voters) == 0 {
		return false
	}
	return countGranted(m.Voters, granted) >= majority(len(m.Voters))
}

func quorumIndex(voters []string, match func(id string) uint64) uint64 {
	if len(voters) == 0 {
		return 0
	}
	idxs := make([]uint64, 0, len(voters))
	for _, id := range voters {
		idxs = append(idxs, match(id))
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] > idxs[j] })
	return idxs[majority(len(voters))-1]
}

// QuorumIndex returns the highest log index replicated on a qualifying
// majority, taking the minimum across both halves when joint. match
// must report the known match index for each voter (the leader reports
// its own last index for itself).
func (m Membership) QuorumIndex(match func(id string) uint64) uint64 {
	if !m.Joint {
		return quorumIndex(m.Voters, match)
	}
	old := quorumIndex(m.OldVoters, match)
	neu := quorumIndex(m.NewVoters, match)
	if neu < old {
		return neu
	}
	return old
}

// Clone returns a deep copy.
func (m Membership) Clone() Membership {
	return Membership{
		Joint:     m.Joint,
		Voters:    append([]string(nil), m.Voters...),
		OldVoters: append([]string(nil), m.OldVoters...),
		NewVoters: append([]string(nil), m.NewVoters...),
		Learners:  append([]string(nil), m.Learners...),
	}
}

// Status is a point-in-time view of a node, safe to hand outside the
// core loop.
type Status struct {
	ID           string
	Role         Role
	Term         uint64
	Leader       string
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
	Membership   Membership
}
