package transport

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/openraftlabs/openraft/pkg/raft"
)

var (
	errUnknownNode = errors.New("transport: unknown node")
	errPartitioned = errors.New("transport: network partition")
	errDropped     = errors.New("transport: message dropped")
)

// Network is an in-process RPC fabric connecting registered handlers,
// with injectable drops, delays and partitions. It backs the cluster
// tests and the simulator.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	dropRate float64
	delayMin time.Duration
	delayMax time.Duration
	isolated map[string]bool
	cut      map[[2]string]bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		isolated: make(map[string]bool),
		cut:      make(map[[2]string]bool),
	}
}

// Register attaches a node's inbound handlers to the fabric.
func (net *Network) Register(id string, h Handler) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.handlers[id] = h
}

// Deregister detaches a node, simulating a crash.
func (net *Network) Deregister(id string) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.handlers, id)
}

func (net *Network) SetDropRate(rate float64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.dropRate = rate
}

func (net *Network) SetDelay(min, max time.Duration) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.delayMin, net.delayMax = min, max
}

// Isolate cuts a node off from everyone (to = true) or heals it.
func (net *Network) Isolate(id string, isolated bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.isolated[id] = isolated
}

// Cut severs the link between a and b in both directions.
func (net *Network) Cut(a, b string, severed bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.cut[[2]string{a, b}] = severed
	net.cut[[2]string{b, a}] = severed
}

// Heal removes all partitions.
func (net *Network) Heal() {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.isolated = make(map[string]bool)
	net.cut = make(map[[2]string]bool)
}

func (net *Network) pass(from, to string) (Handler, time.Duration, error) {
	net.mu.RLock()
	defer net.mu.RUnlock()
	h, ok := net.handlers[to]
	if !ok {
		return nil, 0, errUnknownNode
	}
	if net.isolated[from] || net.isolated[to] || net.cut[[2]string{from, to}] {
		return nil, 0, errPartitioned
	}
	if net.dropRate > 0 && rand.Float64() < net.dropRate {
		return nil, 0, errDropped
	}
	delay := net.delayMin
	if net.delayMax > net.delayMin {
		delay += time.Duration(rand.Int63n(int64(net.delayMax - net.delayMin)))
	}
	return h, delay, nil
}

// Inproc is one node's sending endpoint on a Network.
type Inproc struct {
	net  *Network
	from string
}

// NewInproc returns the raft.Transport for node id on net.
func NewInproc(net *Network, id string) *Inproc {
	return &Inproc{net: net, from: id}
}

func (t *Inproc) call(to string, fn func(Handler) error) error {
	h, delay, err := t.net.pass(t.from, to)
	if err != nil {
		return err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return fn(h)
}

func (t *Inproc) SendRequestVote(peer string, args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return t.call(peer, func(h Handler) error { return h.RequestVote(args, reply) })
}

func (t *Inproc) SendAppendEntries(peer string, args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return t.call(peer, func(h Handler) error { return h.AppendEntries(args, reply) })
}

func (t *Inproc) SendInstallSnapshot(peer string, args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return t.call(peer, func(h Handler) error { return h.InstallSnapshot(args, reply) })
}
