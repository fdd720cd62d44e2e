package transport

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/openraftlabs/openraft/pkg/raft"
)

// raftService is the net/rpc receiver exposing a node's handlers under
// the "Raft" service name.
type raftService struct {
	h Handler
}

func (s *raftService) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return s.h.RequestVote(args, reply)
}

func (s *raftService) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return s.h.AppendEntries(args, reply)
}

func (s *raftService) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return s.h.InstallSnapshot(args, reply)
}

// TCP is a net/rpc transport over TCP with cached client connections.
// Peers are addressed by node id through a configured address map.
type TCP struct {
	mu       sync.Mutex
	bind     string
	peers    map[string]string
	clients  map[string]*rpc.Client
	server   *rpc.Server
	listener net.Listener
	stopCh   chan struct{}
}

func NewTCP(bind string, peers map[string]string) *TCP {
	cp := make(map[string]string, len(peers))
	for id, addr := range peers {
		cp[id] = addr
	}
	return &TCP{
		bind:    bind,
		peers:   cp,
		clients: make(map[string]*rpc.Client),
		server:  rpc.NewServer(),
		stopCh:  make(chan struct{}),
	}
}

// SetPeer records or updates a peer's address.
func (t *TCP) SetPeer(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.clients[id]; ok {
		old.Close()
		delete(t.clients, id)
	}
	t.peers[id] = addr
}

// RegisterName exposes an additional service on the same listener,
// for client-facing APIs living next to the Raft RPCs.
func (t *TCP) RegisterName(name string, rcvr interface{}) error {
	return t.server.RegisterName(name, rcvr)
}

// Serve registers the Raft service for h and starts accepting
// connections.
func (t *TCP) Serve(h Handler) error {
	if err := t.server.RegisterName("Raft", &raftService{h: h}); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", t.bind)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.bind, err)
	}
	t.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-t.stopCh:
					return
				default:
					continue
				}
			}
			go t.server.ServeConn(conn)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (t *TCP) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.bind
}

func (t *TCP) client(id string) (*rpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[id]; ok {
		return c, nil
	}
	addr, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("transport: no address for peer %s", id)
	}
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.clients[id] = c
	return c, nil
}

func (t *TCP) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[id]; ok {
		c.Close()
		delete(t.clients, id)
	}
}

func (t *TCP) call(peer, method string, args, reply interface{}) error {
	c, err := t.client(peer)
	if err != nil {
		return err
	}
	if err := c.Call(method, args, reply); err != nil {
		// a broken connection is rebuilt on the next round
		t.drop(peer)
		return err
	}
	return nil
}

func (t *TCP) SendRequestVote(peer string, args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return t.call(peer, "Raft.RequestVote", args, reply)
}

func (t *TCP) SendAppendEntries(peer string, args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return t.call(peer, "Raft.AppendEntries", args, reply)
}

func (t *TCP) SendInstallSnapshot(peer string, args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return t.call(peer, "Raft.InstallSnapshot", args, reply)
}

// Close stops the listener and drops cached connections.
func (t *TCP) Close() error {
	close(t.stopCh)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.clients {
		c.Close()
		delete(t.clients, id)
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
