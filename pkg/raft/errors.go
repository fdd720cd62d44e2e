package raft

import "errors"

var (
	// ErrNotLeader rejects an operation that only the leader may
	// serve. Callers should redirect to Status().Leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStopped is returned once the node has shut down.
	ErrStopped = errors.New("raft: node stopped")

	// ErrLeadershipLost fails proposals that were in flight when the
	// node ceased to be leader; the entry may or may not survive.
	ErrLeadershipLost = errors.New("raft: leadership lost before commit")

	// ErrConfigInFlight rejects a membership change while an earlier
	// one has not reached a committed, non-joint configuration.
	ErrConfigInFlight = errors.New("raft: membership change already in progress")

	// ErrNotMember rejects promotion of a node that was never added
	// to the cluster as a learner.
	ErrNotMember = errors.New("raft: node is not a cluster member")

	// ErrUnknownPeer rejects RPCs from nodes outside the current
	// configuration.
	ErrUnknownPeer = errors.New("raft: peer not in current configuration")

	// ErrAlreadyBootstrapped rejects Bootstrap on a node that already
	// carries state.
	ErrAlreadyBootstrapped = errors.New("raft: node already bootstrapped")
)
