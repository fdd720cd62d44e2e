package raft

// progress is the leader's view of one peer's log. inflight enforces
// the one-round-per-peer backpressure rule: entries appended while a
// round is outstanding ride in the next batch.
type progress struct {
	next     uint64
	match    uint64
	inflight bool
	snapshot *leaderSnapshot
}

// leaderSnapshot tracks an in-progress snapshot stream to one peer.
type leaderSnapshot struct {
	snap   *Snapshot
	offset uint64
}

// becomeLeader initializes replication state and appends a noop entry
// to assert authority; no client write is acknowledged before the
// noop round has gone out.
func (n *Node) becomeLeader() {
	n.role = Leader
	n.leader = n.id
	n.votes = nil
	n.progress = make(map[string]*progress)
	n.ensureProgress()
	n.logger.Printf("[%s] became leader in term %d", n.id, n.term)

	noop := LogEntry{Index: n.log.lastIndex() + 1, Term: n.term, Type: EntryNoop}
	if err := n.log.append([]LogEntry{noop}); err != nil {
		n.fatal("append noop", err)
		return
	}
	// A joint configuration whose commit the previous leader saw but
	// never finalized would otherwise stay joint forever.
	if n.membership.Joint && n.configIndex <= n.commitIndex {
		final := Membership{
			Voters:   append([]string(nil), n.membership.NewVoters...),
			Learners: append([]string(nil), n.membership.Learners...),
		}
		n.appendConfig(final)
	}
	n.maybeCommit()
	n.broadcastAppend(false)
}

// ensureProgress creates replication state for peers entering the
// configuration. Removal happens when a final config commits.
func (n *Node) ensureProgress() {
	if n.progress == nil {
		return
	}
	for _, peer := range n.membership.PeerIDs() {
		if peer == n.id {
			continue
		}
		if _, ok := n.progress[peer]; !ok {
			n.progress[peer] = &progress{next: n.log.lastIndex() + 1}
		}
	}
}

// broadcastAppend starts a round toward every idle peer. heartbeat
// rounds go out even with nothing new to send.
func (n *Node) broadcastAppend(heartbeat bool) {
	for _, peer := range n.membership.PeerIDs() {
		if peer == n.id {
			continue
		}
		p, ok := n.progress[peer]
		if !ok || p.inflight {
			continue
		}
		if !heartbeat && p.next > n.log.lastIndex() {
			continue
		}
		n.sendAppendTo(peer)
	}
}

// sendAppendTo dispatches one replication round to peer: a snapshot
// chunk if the needed entries are compacted away, otherwise a bounded
// batch of log entries.
func (n *Node) sendAppendTo(peer string) {
	p := n.progress[peer]
	if p == nil || p.inflight {
		return
	}
	if p.snapshot != nil {
		n.sendSnapshotChunk(peer)
		return
	}
	if p.next <= n.log.snapIndex {
		n.beginSnapshotStream(peer)
		return
	}

	prev := p.next - 1
	prevTerm, err := n.log.term(prev)
	if err != nil {
		n.beginSnapshotStream(peer)
		return
	}
	ents, err := n.log.slice(p.next, n.log.lastIndex(), n.opts.MaxEntriesPerAppend)
	if err != nil {
		n.beginSnapshotStream(peer)
		return
	}
	// copy out of the log window; the loop may mutate it while the
	// round is in flight
	batch := append([]LogEntry(nil), ents...)

	args := &AppendEntriesArgs{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      batch,
		LeaderCommit: n.commitIndex,
	}
	p.inflight = true
	go func() {
		var reply AppendEntriesReply
		err := n.transport.SendAppendEntries(peer, args, &reply)
		n.post(&appendResult{
			term:      args.Term,
			peer:      peer,
			prevIndex: args.PrevLogIndex,
			count:     len(args.Entries),
			reply:     reply,
			err:       err,
		})
	}()
}

func (n *Node) onAppendResult(m *appendResult) {
	if n.role != Leader || m.term != n.term {
		// stale round from an earlier leadership; it must not touch
		// the current term's in-flight accounting
		return
	}
	p := n.progress[m.peer]
	if p == nil {
		return // peer left the configuration
	}
	p.inflight = false
	if m.err != nil {
		return // soft failure; the next heartbeat retries
	}
	if m.reply.Term > n.term {
		n.stepDown(m.reply.Term)
		return
	}

	if m.reply.Success {
		if match := m.prevIndex + uint64(m.count); match > p.match {
			p.match = match
		}
		if p.match+1 > p.next {
			p.next = p.match + 1
		}
		n.maybeCommit()
		n.checkCatchUp()
		if n.role == Leader && p.next <= n.log.lastIndex() {
			n.sendAppendTo(m.peer)
		}
		return
	}

	// Rejected: use the conflict hint to skip nextIndex backward in
	// bulk instead of one entry at a time.
	next := p.next - 1
	if m.reply.ConflictTerm != 0 {
		if last := n.log.lastIndexOfTerm(m.reply.ConflictTerm); last > 0 {
			next = last + 1
		} else if m.reply.ConflictIndex > 0 {
			next = m.reply.ConflictIndex
		}
	} else if m.reply.ConflictIndex > 0 {
		next = m.reply.ConflictIndex
	}
	if next < 1 {
		next = 1
	}
	if next < p.next {
		p.next = next
	} else {
		p.next--
	}
	if p.next < 1 {
		p.next = 1
	}
	n.sendAppendTo(m.peer)
}

// maybeCommit recomputes the commit index as the highest index
// replicated on a qualifying majority whose term is the current one;
// entries from prior terms commit only transitively.
func (n *Node) maybeCommit() {
	if n.role != Leader {
		return
	}
	qi := n.membership.QuorumIndex(func(id string) uint64 {
		if id == n.id {
			return n.log.lastIndex()
		}
		if p, ok := n.progress[id]; ok {
			return p.match
		}
		return 0
	})
	if qi <= n.commitIndex {
		return
	}
	if !n.log.matchTerm(qi, n.term) {
		return
	}
	n.commitIndex = qi
	n.applyCommitted()
}

// onPropose appends a client entry on the leader and starts
// replication rounds toward idle peers.
func (n *Node) onPropose(m *proposeMsg) {
	if n.role != Leader {
		m.fut.resolve(nil, ErrNotLeader)
		return
	}
	entry := LogEntry{
		Index:  n.log.lastIndex() + 1,
		Term:   n.term,
		Type:   m.etype,
		Data:   m.data,
		Config: m.config,
	}
	if err := n.log.append([]LogEntry{entry}); err != nil {
		n.fatal("append entry", err)
		m.fut.resolve(nil, err)
		return
	}
	m.fut.index = entry.Index
	m.fut.term = entry.Term
	n.proposals[entry.Index] = m.fut
	n.maybeCommit()
	n.broadcastAppend(false)
}

// stepAppendEntries handles an inbound replication round on the core
// loop: term checks, the log consistency check with conflict hints,
// conflicting-suffix truncation, append, and commit advancement.
func (n *Node) stepAppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	reply.Term = n.term
	reply.Success = false

	if args.Term < n.term {
		return nil
	}
	if args.Term > n.term || n.role == Candidate || n.role == Leader {
		if !n.stepDown(args.Term) {
			return ErrStopped
		}
		reply.Term = n.term
	}
	n.leader = args.LeaderID
	n.resetElectionTimer()

	prev := args.PrevLogIndex
	entries := args.Entries
	lastNew := prev + uint64(len(entries))

	// Entries at or below the snapshot boundary are committed and
	// identical by Log Matching; skip past them.
	if prev < n.log.snapIndex {
		if lastNew <= n.log.snapIndex {
			reply.Success = true
			return nil
		}
		entries = entries[n.log.snapIndex-prev:]
		prev = n.log.snapIndex
	}

	if prev > n.log.lastIndex() {
		reply.ConflictIndex = n.log.lastIndex() + 1
		return nil
	}
	prevTerm, err := n.log.term(prev)
	if err != nil {
		reply.ConflictIndex = n.log.snapIndex + 1
		return nil
	}
	if prevTerm != args.PrevLogTerm {
		reply.ConflictTerm = prevTerm
		if first := n.log.firstIndexOfTerm(prevTerm); first > 0 {
			reply.ConflictIndex = first
		} else {
			reply.ConflictIndex = prev
		}
		return nil
	}

	// Skip entries we already hold; truncate at the first conflict.
	// Only an uncommitted suffix can conflict.
	for len(entries) > 0 {
		e := entries[0]
		if e.Index > n.log.lastIndex() {
			break
		}
		if n.log.matchTerm(e.Index, e.Term) {
			entries = entries[1:]
			continue
		}
		if err := n.log.truncateAfter(e.Index - 1); err != nil {
			n.fatal("truncate conflicting suffix", err)
			return ErrStopped
		}
		n.membership = n.log.latestConfig(n.snapMembership)
		n.configIndex = n.findConfigIndex()
		break
	}
	if len(entries) > 0 {
		if err := n.log.append(entries); err != nil {
			n.fatal("append entries", err)
			return ErrStopped
		}
		for _, e := range entries {
			if e.Type == EntryConfig && e.Config != nil {
				n.membership = e.Config.Clone()
				n.configIndex = e.Index
			}
		}
		if n.role != Leader && n.role != Candidate {
			n.role = n.passiveRole()
		}
	}

	if args.LeaderCommit > n.commitIndex {
		commit := args.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.applyCommitted()
		}
	}

	reply.Success = true
	return nil
}
