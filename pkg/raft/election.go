package raft

import (
	"math/rand"
	"time"
)

func (n *Node) electionTimeout() time.Duration {
	min, max := n.opts.ElectionTimeoutMin, n.opts.ElectionTimeoutMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (n *Node) onElectionTimeout() {
	if n.role == Leader {
		return
	}
	if !n.membership.IsVoter(n.id) {
		// learners and nonvoters never campaign
		n.resetElectionTimer()
		return
	}
	n.startElection()
}

// startElection moves to Candidate: advance term, vote for self,
// persist, then fan RequestVote out to every voter in parallel.
func (n *Node) startElection() {
	n.role = Candidate
	n.term++
	n.votedFor = n.id
	n.leader = ""
	n.votes = map[string]bool{n.id: true}
	if !n.persistHardState() {
		return
	}
	n.resetElectionTimer()
	n.logger.Printf("[%s] starting election for term %d", n.id, n.term)

	args := &RequestVoteArgs{
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
	for _, peer := range n.membership.VoterIDs() {
		if peer == n.id {
			continue
		}
		go func(peer string) {
			var reply RequestVoteReply
			err := n.transport.SendRequestVote(peer, args, &reply)
			n.post(&voteResult{term: args.Term, from: peer, reply: reply, err: err})
		}(peer)
	}
	// single-voter configurations elect immediately
	n.maybeWinElection()
}

func (n *Node) onVoteResult(m *voteResult) {
	if n.role != Candidate || m.term != n.term {
		return // stale round
	}
	if m.err != nil {
		return // soft failure; the next timeout retries
	}
	if m.reply.Term > n.term {
		n.stepDown(m.reply.Term)
		return
	}
	if m.reply.VoteGranted && m.reply.Term == n.term {
		n.votes[m.from] = true
		n.maybeWinElection()
	}
}

func (n *Node) maybeWinElection() {
	if n.membership.HasQuorum(n.votes) {
		n.becomeLeader()
	}
}

// stepRequestVote handles an inbound vote request on the core loop.
// The grant rule enforces Leader Completeness: a vote goes only to a
// candidate whose log is at least as up-to-date as ours, and the vote
// is durable before the reply leaves.
func (n *Node) stepRequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	reply.Term = n.term
	reply.VoteGranted = false

	if !n.membership.IsEmpty() && !n.membership.IsVoter(args.CandidateID) {
		// don't interact with candidates outside the configuration
		return ErrUnknownPeer
	}

	if args.Term > n.term {
		if !n.stepDown(args.Term) {
			return ErrStopped
		}
		reply.Term = n.term
	}
	if args.Term < n.term {
		return nil
	}

	if n.votedFor != "" && n.votedFor != args.CandidateID {
		return nil
	}
	lastIndex, lastTerm := n.log.lastIndex(), n.log.lastTerm()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
	if !upToDate {
		return nil
	}

	n.votedFor = args.CandidateID
	if !n.persistHardState() {
		return ErrStopped
	}
	n.resetElectionTimer()
	reply.VoteGranted = true
	n.logger.Printf("[%s] granted vote to %s for term %d", n.id, args.CandidateID, n.term)
	return nil
}
