// Package transport carries Raft RPCs between nodes. It provides an
// in-process fabric with fault injection for tests and simulations,
// and a net/rpc TCP transport for real deployments. Both implement
// raft.Transport on the sending side and deliver inbound RPCs to a
// Handler.
package transport

import "github.com/openraftlabs/openraft/pkg/raft"

// Handler is the inbound RPC surface a node exposes; *raft.Node
// satisfies it.
type Handler interface {
	RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error
	AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error
	InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error
}
