package raft

// Membership changes run as ordinary log entries through the same
// replication and commit machinery as data: a joint configuration
// entry first, then, once that commits, the final stable one. A
// configuration governs quorum counting and replication targets as
// soon as it is appended.

type changeStage int

const (
	stageCatchUp changeStage = iota
	stageJoint
	stageFinal
)

// membershipChange tracks the leader's in-flight two-phase change.
type membershipChange struct {
	stage      changeStage
	targets    []string // the new voting set
	adds       []string // targets not yet voters, must catch up first
	jointIndex uint64
	finalIndex uint64
	fut        *Future
}

func (c *membershipChange) fail(err error) {
	if c.fut != nil {
		c.fut.resolve(nil, err)
	}
}

// configInFlight reports whether a configuration change has not yet
// reached a committed, stable state. A second change is rejected
// until then.
func (n *Node) configInFlight() bool {
	return n.change != nil || n.membership.Joint || n.configIndex > n.commitIndex
}

func (n *Node) onAddLearner(m *addLearnerMsg) {
	if n.role != Leader {
		m.fut.resolve(nil, ErrNotLeader)
		return
	}
	if n.membership.Contains(m.id) {
		m.fut.resolve(nil, nil)
		return
	}
	if n.configInFlight() {
		m.fut.resolve(nil, ErrConfigInFlight)
		return
	}
	next := n.membership.Clone()
	next.Learners = dedup(append(next.Learners, m.id))
	idx, ok := n.appendConfig(next)
	if !ok {
		m.fut.resolve(nil, ErrStopped)
		return
	}
	m.fut.index = idx
	m.fut.term = n.term
	n.proposals[idx] = m.fut
	n.logger.Printf("[%s] adding learner %s at index %d", n.id, m.id, idx)
	n.maybeCommit()
	n.broadcastAppend(false)
}

func (n *Node) onChangeMembership(m *changeMembershipMsg) {
	if n.role != Leader {
		m.fut.resolve(nil, ErrNotLeader)
		return
	}
	if len(m.voters) == 0 {
		m.fut.resolve(nil, ErrNotMember)
		return
	}
	if n.configInFlight() {
		m.fut.resolve(nil, ErrConfigInFlight)
		return
	}
	// every added voter joins as a learner first so a cold log never
	// stalls commits
	var adds []string
	for _, id := range m.voters {
		if n.membership.IsVoter(id) {
			continue
		}
		if !n.membership.Contains(id) {
			m.fut.resolve(nil, ErrNotMember)
			return
		}
		adds = append(adds, id)
	}
	if sameMembers(m.voters, n.membership.Voters) {
		m.fut.resolve(nil, nil)
		return
	}
	n.change = &membershipChange{
		stage:   stageCatchUp,
		targets: m.voters,
		adds:    adds,
		fut:     m.fut,
	}
	n.logger.Printf("[%s] membership change to %v pending catch-up of %v", n.id, m.voters, adds)
	n.checkCatchUp()
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !contains(b, id) {
			return false
		}
	}
	return true
}

// checkCatchUp enters the joint phase once every added voter's match
// index is within CatchUpSlack of the leader's tail. Re-checked on
// every replication success.
func (n *Node) checkCatchUp() {
	if n.change == nil || n.change.stage != stageCatchUp || n.role != Leader {
		return
	}
	tail := n.log.lastIndex()
	for _, id := range n.change.adds {
		p, ok := n.progress[id]
		if !ok {
			return
		}
		if p.match+n.opts.CatchUpSlack < tail {
			return
		}
	}
	cur := n.membership
	joint := Membership{
		Joint:     true,
		OldVoters: append([]string(nil), cur.Voters...),
		NewVoters: append([]string(nil), n.change.targets...),
	}
	for _, id := range cur.Learners {
		if !contains(n.change.targets, id) {
			joint.Learners = append(joint.Learners, id)
		}
	}
	idx, ok := n.appendConfig(joint)
	if !ok {
		return
	}
	n.change.stage = stageJoint
	n.change.jointIndex = idx
	n.logger.Printf("[%s] entering joint configuration %v+%v at index %d",
		n.id, joint.OldVoters, joint.NewVoters, idx)
	n.maybeCommit()
	n.broadcastAppend(false)
}

// appendConfig appends a configuration entry on the leader. The new
// configuration takes effect immediately. Commit advancement is the
// caller's job: a leader-only quorum commits and applies the entry
// synchronously, so any future or stage bookkeeping tied to the index
// must be recorded before maybeCommit runs.
func (n *Node) appendConfig(m Membership) (uint64, bool) {
	cfg := m.Clone()
	entry := LogEntry{
		Index:  n.log.lastIndex() + 1,
		Term:   n.term,
		Type:   EntryConfig,
		Config: &cfg,
	}
	if err := n.log.append([]LogEntry{entry}); err != nil {
		n.fatal("append config entry", err)
		return 0, false
	}
	n.membership = cfg.Clone()
	n.configIndex = entry.Index
	n.ensureProgress()
	return entry.Index, true
}

// onConfigCommitted advances the coordinator when a configuration
// entry commits. A joint commit triggers the final entry; a stable
// commit finishes the change, drops replication to removed peers, and
// steps the leader down if it was removed. Run on every node so a
// leader elected mid-change completes it.
func (n *Node) onConfigCommitted(entry LogEntry) {
	cfg := entry.Config
	if cfg == nil {
		return
	}
	n.committedMembership = cfg.Clone()

	if cfg.Joint {
		if n.role != Leader {
			return
		}
		final := Membership{
			Voters:   append([]string(nil), cfg.NewVoters...),
			Learners: append([]string(nil), cfg.Learners...),
		}
		idx, ok := n.appendConfig(final)
		if !ok {
			return
		}
		if n.change != nil {
			n.change.stage = stageFinal
			n.change.finalIndex = idx
		}
		n.logger.Printf("[%s] joint configuration committed; finalizing to %v at index %d",
			n.id, final.Voters, idx)
		n.maybeCommit()
		n.broadcastAppend(false)
		return
	}

	// stable configuration committed
	if n.change != nil && n.change.finalIndex == entry.Index {
		n.change.fut.resolve(nil, nil)
		n.change = nil
	}
	if n.role == Leader {
		for id := range n.progress {
			if !n.membership.Contains(id) {
				delete(n.progress, id)
			}
		}
		if !cfg.IsVoter(n.id) {
			n.logger.Printf("[%s] removed from configuration; stepping down", n.id)
			n.stepDown(n.term)
			return
		}
	}
	if n.role != Leader && n.role != Candidate {
		n.role = n.passiveRole()
	}
}
