package raft

// incomingSnapshot buffers chunks of a snapshot being streamed in
// until the final chunk arrives.
type incomingSnapshot struct {
	lastIndex  uint64
	lastTerm   uint64
	membership Membership
	buf        []byte
}

// maybeCompact builds a snapshot from the state machine once enough
// entries have been applied past the previous one, then discards the
// covered log prefix.
func (n *Node) maybeCompact() {
	if n.opts.SnapshotThreshold == 0 {
		return
	}
	if n.lastApplied < n.log.snapIndex+n.opts.SnapshotThreshold {
		return
	}
	term, err := n.log.term(n.lastApplied)
	if err != nil {
		return
	}
	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Printf("[%s] snapshot build failed: %v", n.id, err)
		return
	}
	snap := &Snapshot{
		LastIndex:  n.lastApplied,
		LastTerm:   term,
		Membership: n.committedMembership.Clone(),
		Data:       data,
	}
	if err := n.storage.SaveSnapshot(snap); err != nil {
		n.logger.Printf("[%s] snapshot save failed: %v", n.id, err)
		return
	}
	if err := n.log.compactTo(snap.LastIndex, snap.LastTerm); err != nil {
		n.fatal("compact log", err)
		return
	}
	n.snapMembership = snap.Membership.Clone()
	n.logger.Printf("[%s] compacted log through %d (term %d)", n.id, snap.LastIndex, snap.LastTerm)
}

// beginSnapshotStream switches a lagging peer from log replication to
// snapshot chunks; its next entry has been compacted away.
func (n *Node) beginSnapshotStream(peer string) {
	p := n.progress[peer]
	if p == nil || p.inflight {
		return
	}
	snap, err := n.storage.LoadSnapshot()
	if err != nil || snap == nil {
		n.logger.Printf("[%s] no snapshot to stream to %s: %v", n.id, peer, err)
		return
	}
	p.snapshot = &leaderSnapshot{snap: snap}
	n.logger.Printf("[%s] streaming snapshot through %d to %s", n.id, snap.LastIndex, peer)
	n.sendSnapshotChunk(peer)
}

func (n *Node) sendSnapshotChunk(peer string) {
	p := n.progress[peer]
	if p == nil || p.inflight || p.snapshot == nil {
		return
	}
	ls := p.snapshot
	end := ls.offset + uint64(n.opts.SnapshotChunkSize)
	if end > uint64(len(ls.snap.Data)) {
		end = uint64(len(ls.snap.Data))
	}
	args := &InstallSnapshotArgs{
		Term:       n.term,
		LeaderID:   n.id,
		LastIndex:  ls.snap.LastIndex,
		LastTerm:   ls.snap.LastTerm,
		Membership: ls.snap.Membership.Clone(),
		Offset:     ls.offset,
		Data:       ls.snap.Data[ls.offset:end],
		Done:       end == uint64(len(ls.snap.Data)),
	}
	p.inflight = true
	go func() {
		var reply InstallSnapshotReply
		err := n.transport.SendInstallSnapshot(peer, args, &reply)
		n.post(&snapshotResult{
			term:      args.Term,
			peer:      peer,
			offset:    args.Offset,
			size:      len(args.Data),
			last:      args.Done,
			lastIndex: args.LastIndex,
			reply:     reply,
			err:       err,
		})
	}()
}

func (n *Node) onSnapshotResult(m *snapshotResult) {
	if n.role != Leader || m.term != n.term {
		return // stale round; leave the current term's accounting alone
	}
	p := n.progress[m.peer]
	if p == nil {
		return
	}
	p.inflight = false
	if m.err != nil {
		return // retried from the same offset on the next heartbeat
	}
	if m.reply.Term > n.term {
		n.stepDown(m.reply.Term)
		return
	}
	if p.snapshot == nil {
		return
	}
	p.snapshot.offset = m.offset + uint64(m.size)
	if !m.last {
		n.sendSnapshotChunk(m.peer)
		return
	}
	// installed: resume normal log replication after the snapshot
	p.snapshot = nil
	if m.lastIndex > p.match {
		p.match = m.lastIndex
	}
	p.next = p.match + 1
	n.maybeCommit()
	n.checkCatchUp()
	if n.role == Leader && p.next <= n.log.lastIndex() {
		n.sendAppendTo(m.peer)
	}
}

// stepInstallSnapshot handles inbound snapshot chunks, installing the
// snapshot atomically when the final chunk arrives.
func (n *Node) stepInstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	reply.Term = n.term

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

	if args.LastIndex <= n.commitIndex {
		return nil // already past this snapshot
	}

	if args.Offset == 0 {
		n.incoming = &incomingSnapshot{
			lastIndex:  args.LastIndex,
			lastTerm:   args.LastTerm,
			membership: args.Membership.Clone(),
		}
	}
	in := n.incoming
	if in == nil || in.lastIndex != args.LastIndex || uint64(len(in.buf)) != args.Offset {
		// out-of-order chunk; the leader restarts from our missing
		// offset on its next round
		return nil
	}
	in.buf = append(in.buf, args.Data...)
	if !args.Done {
		return nil
	}

	n.incoming = nil
	if err := n.sm.Restore(in.buf); err != nil {
		n.fatal("restore snapshot", err)
		return ErrStopped
	}
	snap := &Snapshot{
		LastIndex:  in.lastIndex,
		LastTerm:   in.lastTerm,
		Membership: in.membership,
		Data:       in.buf,
	}
	if err := n.storage.SaveSnapshot(snap); err != nil {
		n.fatal("save snapshot", err)
		return ErrStopped
	}
	if err := n.log.restoreSnapshot(snap.LastIndex, snap.LastTerm); err != nil {
		n.fatal("reset log for snapshot", err)
		return ErrStopped
	}
	n.commitIndex = snap.LastIndex
	n.lastApplied = snap.LastIndex
	n.membership = snap.Membership.Clone()
	n.committedMembership = snap.Membership.Clone()
	n.snapMembership = snap.Membership.Clone()
	n.configIndex = snap.LastIndex
	n.role = n.passiveRole()
	n.logger.Printf("[%s] installed snapshot through %d (term %d)", n.id, snap.LastIndex, snap.LastTerm)
	return nil
}
