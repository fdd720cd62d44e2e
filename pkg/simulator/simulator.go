// Package simulator runs scripted fault scenarios against an
// in-process cluster: elections, replication under partitions,
// membership changes and snapshot catch-up. The raftsim command runs
// every scenario and reports pass/fail.
package simulator

import (
	"fmt"
	"time"

	"github.com/openraftlabs/openraft/pkg/fsm"
	"github.com/openraftlabs/openraft/pkg/raft"
	"github.com/openraftlabs/openraft/pkg/transport"
)

// Cluster is an in-process cluster over the fault-injecting network
// fabric, with memory-backed storage that survives node restarts.
type Cluster struct {
	net    *transport.Network
	opts   raft.Options
	ids    []string
	nodes  map[string]*raft.Node
	stores map[string]*raft.MemoryStorage
	sms    map[string]*fsm.KVStore
}

func NewCluster(ids []string, opts raft.Options) (*Cluster, error) {
	c := &Cluster{
		net:    transport.NewNetwork(),
		opts:   opts,
		ids:    append([]string(nil), ids...),
		nodes:  make(map[string]*raft.Node),
		stores: make(map[string]*raft.MemoryStorage),
		sms:    make(map[string]*fsm.KVStore),
	}
	for _, id := range ids {
		c.stores[id] = raft.NewMemoryStorage()
		c.sms[id] = fsm.NewKVStore()
		node, err := c.startNode(id, true)
		if err != nil {
			return nil, err
		}
		c.nodes[id] = node
	}
	return c, nil
}

func (c *Cluster) startNode(id string, bootstrap bool) (*raft.Node, error) {
	node, err := raft.NewNode(id, c.opts, c.stores[id], transport.NewInproc(c.net, id), c.sms[id])
	if err != nil {
		return nil, err
	}
	if bootstrap {
		if err := node.Bootstrap(c.ids); err != nil {
			return nil, err
		}
	}
	c.net.Register(id, node)
	node.Start()
	return node, nil
}

func (c *Cluster) Stop() {
	for id, node := range c.nodes {
		c.net.Deregister(id)
		node.Stop()
	}
}

// Crash stops a node and cuts it from the fabric; its storage
// survives for Restart.
func (c *Cluster) Crash(id string) {
	if node, ok := c.nodes[id]; ok {
		c.net.Deregister(id)
		node.Stop()
		delete(c.nodes, id)
	}
}

func (c *Cluster) Restart(id string) error {
	if _, ok := c.nodes[id]; ok {
		return fmt.Errorf("node %s still running", id)
	}
	node, err := c.startNode(id, false)
	if err != nil {
		return err
	}
	c.nodes[id] = node
	return nil
}

func (c *Cluster) Isolate(id string) { c.net.Isolate(id, true) }

func (c *Cluster) Heal() { c.net.Heal() }

func (c *Cluster) Node(id string) *raft.Node { return c.nodes[id] }

func (c *Cluster) Store(id string) *fsm.KVStore { return c.sms[id] }

// WaitForLeader polls until some running node reports itself leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, node := range c.nodes {
			if node.Status().Role == raft.Leader {
				return id, nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", fmt.Errorf("no leader within %v", timeout)
}

// Set proposes a KV write through the current leader and waits for
// it to commit.
func (c *Cluster) Set(key, value string, timeout time.Duration) error {
	data, err := fsm.EncodeCommand(fsm.Command{Op: "set", Key: key, Value: value})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader, err := c.WaitForLeader(timeout)
		if err != nil {
			return err
		}
		fut := c.nodes[leader].Propose(data)
		select {
		case <-fut.Done():
			if _, err := fut.Result(); err == nil {
				return nil
			}
		case <-time.After(timeout):
			return fmt.Errorf("set %s: proposal timed out", key)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("set %s: no commit within %v", key, timeout)
}

// AddLearner retries through leadership churn and the window right
// after an election where the previous configuration entry has not
// committed yet.
func (c *Cluster) AddLearner(id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader, err := c.WaitForLeader(timeout)
		if err != nil {
			return err
		}
		if _, err := c.nodes[leader].AddLearner(id).Result(); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("add learner %s: no commit within %v", id, timeout)
}

// ChangeMembership retries like AddLearner.
func (c *Cluster) ChangeMembership(voters []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader, err := c.WaitForLeader(timeout)
		if err != nil {
			return err
		}
		if _, err := c.nodes[leader].ChangeMembership(voters).Result(); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("change membership to %v: no commit within %v", voters, timeout)
}

// WaitApplied polls until every running node has key=value applied.
func (c *Cluster) WaitApplied(key, value string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		all := true
		for _, id := range c.ids {
			node, running := c.nodes[id]
			if !running || node == nil {
				continue
			}
			if v, ok := c.sms[id].Get(key); !ok || v != value {
				all = false
				break
			}
		}
		if all {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("key %s=%s not applied everywhere within %v", key, value, timeout)
}

// Scenario is one scripted run.
type Scenario struct {
	Name string
	Run  func() error
}

// Scenarios returns the standard suite.
func Scenarios() []Scenario {
	return []Scenario{
		{"basic-replication", basicReplication},
		{"partition-heal", partitionHeal},
		{"snapshot-catchup", snapshotCatchUp},
		{"membership-change", membershipChange},
	}
}

func testOptions() raft.Options {
	return raft.Options{
		ElectionTimeoutMin: 100 * time.Millisecond,
		ElectionTimeoutMax: 200 * time.Millisecond,
		HeartbeatInterval:  25 * time.Millisecond,
	}
}

func basicReplication() error {
	c, err := NewCluster([]string{"n1", "n2", "n3"}, testOptions())
	if err != nil {
		return err
	}
	defer c.Stop()
	if err := c.Set("x", "1", 5*time.Second); err != nil {
		return err
	}
	return c.WaitApplied("x", "1", 2*time.Second)
}

func partitionHeal() error {
	c, err := NewCluster([]string{"n1", "n2", "n3"}, testOptions())
	if err != nil {
		return err
	}
	defer c.Stop()
	leader, err := c.WaitForLeader(5 * time.Second)
	if err != nil {
		return err
	}
	c.Isolate(leader)
	// the majority side elects a replacement in a higher term
	deadline := time.Now().Add(5 * time.Second)
	var newLeader string
	for time.Now().Before(deadline) {
		for id, node := range c.nodes {
			if id != leader && node.Status().Role == raft.Leader {
				newLeader = id
			}
		}
		if newLeader != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if newLeader == "" {
		return fmt.Errorf("no replacement leader elected")
	}
	c.Heal()
	if err := c.Set("y", "2", 5*time.Second); err != nil {
		return err
	}
	return c.WaitApplied("y", "2", 2*time.Second)
}

func snapshotCatchUp() error {
	opts := testOptions()
	opts.SnapshotThreshold = 8
	c, err := NewCluster([]string{"n1", "n2", "n3"}, opts)
	if err != nil {
		return err
	}
	defer c.Stop()
	if _, err := c.WaitForLeader(5 * time.Second); err != nil {
		return err
	}
	var down string
	for id := range c.nodes {
		if c.nodes[id].Status().Role != raft.Leader {
			down = id
			break
		}
	}
	c.Crash(down)
	for i := 0; i < 24; i++ {
		if err := c.Set(fmt.Sprintf("k%d", i), "v", 5*time.Second); err != nil {
			return err
		}
	}
	if err := c.Restart(down); err != nil {
		return err
	}
	return c.WaitApplied("k23", "v", 5*time.Second)
}

func membershipChange() error {
	c, err := NewCluster([]string{"n1", "n2", "n3"}, testOptions())
	if err != nil {
		return err
	}
	defer c.Stop()
	if _, err := c.WaitForLeader(5 * time.Second); err != nil {
		return err
	}
	// a fourth node joins as a learner, catches up, then is promoted
	c.ids = append(c.ids, "n4")
	c.stores["n4"] = raft.NewMemoryStorage()
	c.sms["n4"] = fsm.NewKVStore()
	node, err := c.startNode("n4", false)
	if err != nil {
		return err
	}
	c.nodes["n4"] = node

	if err := c.AddLearner("n4", 5*time.Second); err != nil {
		return err
	}
	if err := c.Set("m", "3", 5*time.Second); err != nil {
		return err
	}
	if err := c.ChangeMembership([]string{"n1", "n2", "n3", "n4"}, 10*time.Second); err != nil {
		return err
	}
	if err := c.Set("m2", "4", 5*time.Second); err != nil {
		return err
	}
	return c.WaitApplied("m2", "4", 5*time.Second)
}
