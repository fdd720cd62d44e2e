package fsm

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/openraftlabs/openraft/pkg/raft"
)

// KVStore is a replicated string map implementing raft.StateMachine.
// Apply runs on the core loop; the mutex only guards concurrent local
// reads through Get.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

func (kv *KVStore) Apply(entry raft.LogEntry) []byte {
	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		return nil
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch cmd.Op {
	case "set":
		kv.data[cmd.Key] = cmd.Value
		return []byte("OK")
	case "get":
		return []byte(kv.data[cmd.Key])
	case "delete":
		delete(kv.data, cmd.Key)
		return []byte("OK")
	default:
		return nil
	}
}

// Get reads a key locally, with no consistency guarantee beyond what
// has been applied on this node.
func (kv *KVStore) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}

// Len reports the number of keys applied so far.
func (kv *KVStore) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}

func (kv *KVStore) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kv.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (kv *KVStore) Restore(snapshot []byte) error {
	data := make(map[string]string)
	if len(snapshot) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(snapshot)).Decode(&data); err != nil {
			return err
		}
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data = data
	return nil
}
