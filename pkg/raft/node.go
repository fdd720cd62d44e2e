package raft

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Transport delivers RPCs to peers. Calls may block on the network;
// the core only ever invokes them from short-lived goroutines, never
// from its own loop.
type Transport interface {
	SendRequestVote(peer string, args *RequestVoteArgs, reply *RequestVoteReply) error
	SendAppendEntries(peer string, args *AppendEntriesArgs, reply *AppendEntriesReply) error
	SendInstallSnapshot(peer string, args *InstallSnapshotArgs, reply *InstallSnapshotReply) error
}

// StateMachine is the replicated application state. Apply is invoked
// in strict log order, once per committed entry per incarnation; it
// must tolerate re-delivery of already-applied entries after a crash.
type StateMachine interface {
	Apply(entry LogEntry) []byte
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
}

// Future resolves when a proposal is committed and applied, carrying
// the state machine's result back to the proposer.
type Future struct {
	index uint64
	term  uint64
	done  chan struct{}
	res   []byte
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Result blocks until the proposal resolves.
func (f *Future) Result() ([]byte, error) {
	<-f.done
	return f.res, f.err
}

// Done exposes completion for select loops.
func (f *Future) Done() <-chan struct{} { return f.done }

// Index is the log index assigned to the proposal. Valid once Result
// has returned without error.
func (f *Future) Index() uint64 { return f.index }

// Term is the term the proposal was appended in. Valid like Index.
func (f *Future) Term() uint64 { return f.term }

func (f *Future) resolve(res []byte, err error) {
	f.res, f.err = res, err
	close(f.done)
}

// Messages into the core loop. Every mutation of node state happens on
// the loop goroutine; these are the only way in.
type (
	inVote struct {
		args  *RequestVoteArgs
		reply *RequestVoteReply
		done  chan error
	}
	inAppend struct {
		args  *AppendEntriesArgs
		reply *AppendEntriesReply
		done  chan error
	}
	inSnapshot struct {
		args  *InstallSnapshotArgs
		reply *InstallSnapshotReply
		done  chan error
	}
	voteResult struct {
		term  uint64
		from  string
		reply RequestVoteReply
		err   error
	}
	appendResult struct {
		term      uint64
		peer      string
		prevIndex uint64
		count     int
		reply     AppendEntriesReply
		err       error
	}
	snapshotResult struct {
		term      uint64
		peer      string
		offset    uint64
		size      int
		last      bool
		lastIndex uint64
		reply     InstallSnapshotReply
		err       error
	}
	proposeMsg struct {
		etype  EntryType
		data   []byte
		config *Membership
		fut    *Future
	}
	addLearnerMsg struct {
		id  string
		fut *Future
	}
	changeMembershipMsg struct {
		voters []string
		fut    *Future
	}
	statusMsg struct {
		ch chan Status
	}
)

// Node is a single Raft peer: the serialized consensus core plus its
// collaborators. All mutable state below the msgCh field is owned by
// the run loop goroutine.
type Node struct {
	id        string
	opts      Options
	storage   Storage
	transport Transport
	sm        StateMachine
	logger    *log.Logger

	msgCh    chan interface{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// loop-owned state
	role        Role
	term        uint64
	votedFor    string
	leader      string
	commitIndex uint64
	lastApplied uint64

	log         *raftLog
	membership  Membership // latest configuration in the log, committed or not
	configIndex uint64     // index of the latest config entry known

	committedMembership Membership // latest committed configuration
	snapMembership      Membership // configuration recorded in the current snapshot

	votes     map[string]bool       // candidate
	progress  map[string]*progress  // leader
	proposals map[uint64]*Future    // leader, by index
	change    *membershipChange     // leader, in-flight config change
	incoming  *incomingSnapshot     // follower, chunk reassembly

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	aborted bool
}

// NewNode restores a node from storage. The node is inert until Start.
func NewNode(id string, opts Options, storage Storage, transport Transport, sm StateMachine) (*Node, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("raft: empty node id")
	}

	n := &Node{
		id:        id,
		opts:      opts,
		storage:   storage,
		transport: transport,
		sm:        sm,
		logger:    opts.Logger,
		msgCh:     make(chan interface{}, 256),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		proposals: make(map[uint64]*Future),
	}

	hs, err := storage.LoadHardState()
	if err != nil {
		return nil, fmt.Errorf("load hard state: %w", err)
	}
	n.term = hs.Term
	n.votedFor = hs.VotedFor

	n.log, err = newRaftLog(storage)
	if err != nil {
		return nil, err
	}

	snap, err := storage.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snapMembership Membership
	if snap != nil {
		snapMembership = snap.Membership
		if err := sm.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("restore state machine: %w", err)
		}
		n.commitIndex = snap.LastIndex
		n.lastApplied = snap.LastIndex
	}
	n.snapMembership = snapMembership.Clone()
	n.committedMembership = snapMembership.Clone()
	n.membership = n.log.latestConfig(snapMembership)
	n.configIndex = n.findConfigIndex()
	n.role = n.passiveRole()

	n.logger.Printf("[%s] restored: term=%d votedFor=%q lastLog=%d snapshot=%d members=%v",
		n.id, n.term, n.votedFor, n.log.lastIndex(), n.log.snapIndex, n.membership.VoterIDs())
	return n, nil
}

// Bootstrap seeds a fresh node with the cluster's initial voting
// membership. Call once, before Start, on each initial member (with
// the same voter list); nodes added later join via AddLearner and
// ChangeMembership instead.
func (n *Node) Bootstrap(voters []string) error {
	if n.log.lastIndex() != 0 || !n.membership.IsEmpty() {
		return ErrAlreadyBootstrapped
	}
	m := StableMembership(voters, nil)
	entry := LogEntry{Index: 1, Term: n.term, Type: EntryConfig, Config: &m}
	if err := n.log.append([]LogEntry{entry}); err != nil {
		return fmt.Errorf("bootstrap append: %w", err)
	}
	n.membership = m
	n.configIndex = 1
	n.role = n.passiveRole()
	return nil
}

// Start launches the core loop.
func (n *Node) Start() {
	n.electionTimer = time.NewTimer(n.electionTimeout())
	n.heartbeatTicker = time.NewTicker(n.opts.HeartbeatInterval)
	go n.run()
}

// Stop shuts the node down and waits for the loop to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

func (n *Node) run() {
	defer func() {
		n.electionTimer.Stop()
		n.heartbeatTicker.Stop()
		n.failAllProposals(ErrStopped)
		close(n.doneCh)
	}()
	for {
		select {
		case msg := <-n.msgCh:
			n.dispatch(msg)
		case <-n.electionTimer.C:
			n.onElectionTimeout()
		case <-n.heartbeatTicker.C:
			n.onHeartbeatTick()
		case <-n.stopCh:
			return
		}
		if n.aborted {
			return
		}
	}
}

func (n *Node) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case *inVote:
		m.done <- n.stepRequestVote(m.args, m.reply)
	case *inAppend:
		m.done <- n.stepAppendEntries(m.args, m.reply)
	case *inSnapshot:
		m.done <- n.stepInstallSnapshot(m.args, m.reply)
	case *voteResult:
		n.onVoteResult(m)
	case *appendResult:
		n.onAppendResult(m)
	case *snapshotResult:
		n.onSnapshotResult(m)
	case *proposeMsg:
		n.onPropose(m)
	case *addLearnerMsg:
		n.onAddLearner(m)
	case *changeMembershipMsg:
		n.onChangeMembership(m)
	case *statusMsg:
		m.ch <- n.currentStatus()
	}
}

// deliver posts msg and waits for the loop to process it.
func (n *Node) deliver(msg interface{}, done chan error) error {
	select {
	case n.msgCh <- msg:
	case <-n.doneCh:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-n.doneCh:
		return ErrStopped
	}
}

// post hands a result message to the loop without waiting. Dropped
// silently once the node is stopping; stale results are harmless.
func (n *Node) post(msg interface{}) {
	select {
	case n.msgCh <- msg:
	case <-n.doneCh:
	}
}

// RequestVote is the inbound vote handler, invoked by the transport.
func (n *Node) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	done := make(chan error, 1)
	return n.deliver(&inVote{args: args, reply: reply, done: done}, done)
}

// AppendEntries is the inbound replication handler.
func (n *Node) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	done := make(chan error, 1)
	return n.deliver(&inAppend{args: args, reply: reply, done: done}, done)
}

// InstallSnapshot is the inbound snapshot-chunk handler.
func (n *Node) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	done := make(chan error, 1)
	return n.deliver(&inSnapshot{args: args, reply: reply, done: done}, done)
}

// Propose submits an application command for replication. The future
// resolves once the entry is committed and applied on this node, with
// the state machine's result.
func (n *Node) Propose(data []byte) *Future {
	fut := newFuture()
	select {
	case n.msgCh <- &proposeMsg{etype: EntryNormal, data: data, fut: fut}:
	case <-n.doneCh:
		fut.resolve(nil, ErrStopped)
	}
	return fut
}

// AddLearner adds id to the configuration as a learner: replicated to
// but not counted. The future resolves when the config entry commits.
func (n *Node) AddLearner(id string) *Future {
	fut := newFuture()
	select {
	case n.msgCh <- &addLearnerMsg{id: id, fut: fut}:
	case <-n.doneCh:
		fut.resolve(nil, ErrStopped)
	}
	return fut
}

// ChangeMembership moves the voting set to voters via joint consensus.
// Added voters must already be caught-up learners. The future resolves
// when the final, non-joint configuration commits.
func (n *Node) ChangeMembership(voters []string) *Future {
	fut := newFuture()
	select {
	case n.msgCh <- &changeMembershipMsg{voters: dedup(voters), fut: fut}:
	case <-n.doneCh:
		fut.resolve(nil, ErrStopped)
	}
	return fut
}

// Status reports the node's current view.
func (n *Node) Status() Status {
	ch := make(chan Status, 1)
	select {
	case n.msgCh <- &statusMsg{ch: ch}:
	case <-n.doneCh:
		return Status{ID: n.id}
	}
	select {
	case st := <-ch:
		return st
	case <-n.doneCh:
		return Status{ID: n.id}
	}
}

// Leader returns the node this peer believes leads, or "".
func (n *Node) Leader() string { return n.Status().Leader }

func (n *Node) currentStatus() Status {
	return Status{
		ID:           n.id,
		Role:         n.role,
		Term:         n.term,
		Leader:       n.leader,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.lastIndex(),
		Membership:   n.membership.Clone(),
	}
}

// passiveRole is the non-leader, non-candidate role this node holds
// under the current membership.
func (n *Node) passiveRole() Role {
	switch {
	case n.membership.IsVoter(n.id):
		return Follower
	case n.membership.IsLearner(n.id):
		return RoleLearner
	default:
		return NonVoter
	}
}

func (n *Node) findConfigIndex() uint64 {
	for i := len(n.log.entries) - 1; i >= 0; i-- {
		if n.log.entries[i].Type == EntryConfig {
			return n.log.entries[i].Index
		}
	}
	return n.log.snapIndex
}

// persistHardState makes term/vote durable. Any failure here is fatal
// to participation: the node must not answer on top of unpersisted
// state.
func (n *Node) persistHardState() bool {
	if err := n.storage.SaveHardState(HardState{Term: n.term, VotedFor: n.votedFor}); err != nil {
		n.fatal("persist hard state", err)
		return false
	}
	return true
}

// fatal halts participation after a storage failure.
func (n *Node) fatal(op string, err error) {
	n.logger.Printf("[%s] fatal: %s: %v; halting", n.id, op, err)
	n.failAllProposals(fmt.Errorf("%s: %w", op, err))
	n.aborted = true
	n.stopOnce.Do(func() { close(n.stopCh) })
}

func (n *Node) failAllProposals(err error) {
	for idx, fut := range n.proposals {
		fut.resolve(nil, err)
		delete(n.proposals, idx)
	}
	if n.change != nil {
		n.change.fail(err)
		n.change = nil
	}
}

// stepDown adopts term (if newer) and reverts to the passive role.
// Invoked on any message revealing a higher term and on leader
// removal.
func (n *Node) stepDown(term uint64) bool {
	wasLeader := n.role == Leader
	if term > n.term {
		n.term = term
		n.votedFor = ""
	}
	n.role = n.passiveRole()
	n.votes = nil
	if wasLeader {
		n.progress = nil
		n.leader = ""
		n.failAllProposals(ErrLeadershipLost)
	}
	if !n.persistHardState() {
		return false
	}
	n.resetElectionTimer()
	return true
}

func (n *Node) resetElectionTimer() {
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.electionTimeout())
}

func (n *Node) onHeartbeatTick() {
	if n.role != Leader {
		return
	}
	n.broadcastAppend(true)
}

// applyCommitted hands entries in (lastApplied, commitIndex] to the
// state machine in strict order, resolves proposal futures, advances
// membership bookkeeping, and triggers compaction.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		idx := n.lastApplied + 1
		entry, err := n.log.entryAt(idx)
		if err != nil {
			n.fatal("read committed entry", err)
			return
		}
		// advance before the handlers run: onConfigCommitted may
		// append and commit further entries, re-entering this loop
		n.lastApplied = idx
		var res []byte
		switch entry.Type {
		case EntryNormal:
			res = n.sm.Apply(entry)
		case EntryConfig:
			n.onConfigCommitted(entry)
		case EntryNoop:
			// authority assertion only
		}
		if fut, ok := n.proposals[idx]; ok {
			delete(n.proposals, idx)
			if fut.term != entry.Term {
				fut.resolve(nil, ErrLeadershipLost)
			} else {
				fut.resolve(res, nil)
			}
		}
		if n.aborted {
			return
		}
	}
	n.maybeCompact()
}
