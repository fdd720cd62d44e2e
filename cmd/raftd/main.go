package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/openraftlabs/openraft/pkg/fsm"
	"github.com/openraftlabs/openraft/pkg/raft"
	"github.com/openraftlabs/openraft/pkg/storage"
	"github.com/openraftlabs/openraft/pkg/transport"
)

// clusterService is the client-facing net/rpc API, served on the same
// listener as the Raft RPCs under the "Cluster" name.
type clusterService struct {
	node *raft.Node
	kv   *fsm.KVStore
	tr   *transport.TCP
}

type ApplyArgs struct {
	Op    string
	Key   string
	Value string
}

type ApplyReply struct {
	Index  uint64
	Result string
}

// Apply proposes a command through the log and waits for it to commit.
func (s *clusterService) Apply(args *ApplyArgs, reply *ApplyReply) error {
	data, err := fsm.EncodeCommand(fsm.Command{Op: args.Op, Key: args.Key, Value: args.Value})
	if err != nil {
		return err
	}
	fut := s.node.Propose(data)
	res, err := fut.Result()
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return fmt.Errorf("not leader, try %s", s.node.Leader())
		}
		return err
	}
	reply.Index = fut.Index()
	reply.Result = string(res)
	return nil
}

// Get reads from the local state machine without going through the
// log, so it may lag the leader.
func (s *clusterService) Get(key *string, value *string) error {
	v, ok := s.kv.Get(*key)
	if !ok {
		return fmt.Errorf("key %q not found", *key)
	}
	*value = v
	return nil
}

func (s *clusterService) Status(_ *struct{}, reply *raft.Status) error {
	*reply = s.node.Status()
	return nil
}

func (s *clusterService) Leader(_ *struct{}, reply *string) error {
	*reply = s.node.Leader()
	return nil
}

type MemberArgs struct {
	ID      string
	Address string
}

// AddLearner registers the new peer's address and adds it to the
// cluster as a non-voting learner.
func (s *clusterService) AddLearner(args *MemberArgs, reply *uint64) error {
	if args.Address != "" {
		s.tr.SetPeer(args.ID, args.Address)
	}
	fut := s.node.AddLearner(args.ID)
	if _, err := fut.Result(); err != nil {
		return err
	}
	*reply = fut.Index()
	return nil
}

// ChangeMembership moves the voter set to exactly the given ids. Every
// new voter must already be a member (added via AddLearner first).
func (s *clusterService) ChangeMembership(voters *[]string, reply *uint64) error {
	fut := s.node.ChangeMembership(*voters)
	if _, err := fut.Result(); err != nil {
		return err
	}
	*reply = fut.Index()
	return nil
}

func parsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	if s == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("bad peer %q, want id=addr", pair)
		}
		peers[id] = addr
	}
	return peers, nil
}

func main() {
	var (
		id        = flag.String("id", "", "node ID")
		dataDir   = flag.String("data-dir", "", "data directory")
		address   = flag.String("address", ":8080", "RPC listen address")
		peers     = flag.String("peers", "", "comma-separated id=addr peer list")
		bootstrap = flag.Bool("bootstrap", false, "initialize a new cluster from the peer list")
		snapshot  = flag.Uint64("snapshot-threshold", 4096, "applied entries between snapshots, 0 disables")
	)
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		os.Exit(1)
	}
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -data-dir is required")
		os.Exit(1)
	}

	peerAddrs, err := parsePeers(*peers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewFileStorage(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}

	kv := fsm.NewKVStore()
	tr := transport.NewTCP(*address, peerAddrs)

	opts := raft.Options{SnapshotThreshold: *snapshot}
	node, err := raft.NewNode(*id, opts, store, tr, kv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating node: %v\n", err)
		os.Exit(1)
	}

	if *bootstrap {
		voters := make([]string, 0, len(peerAddrs)+1)
		voters = append(voters, *id)
		for pid := range peerAddrs {
			if pid != *id {
				voters = append(voters, pid)
			}
		}
		if err := node.Bootstrap(voters); err != nil && !errors.Is(err, raft.ErrAlreadyBootstrapped) {
			fmt.Fprintf(os.Stderr, "Error bootstrapping: %v\n", err)
			os.Exit(1)
		}
	}

	if err := tr.RegisterName("Cluster", &clusterService{node: node, kv: kv, tr: tr}); err != nil {
		fmt.Fprintf(os.Stderr, "Error registering API: %v\n", err)
		os.Exit(1)
	}
	if err := tr.Serve(node); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting transport: %v\n", err)
		os.Exit(1)
	}
	node.Start()

	fmt.Printf("raftd %s listening on %s, peers: %v\n", *id, tr.Addr(), peerAddrs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	node.Stop()
	tr.Close()
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing storage: %v\n", err)
	}
	fmt.Println("Shutdown complete")
}
