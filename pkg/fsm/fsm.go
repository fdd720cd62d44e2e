// Package fsm holds replicated state machines and the command codec
// shared by the daemon and the control CLI.
package fsm

import (
	"bytes"
	"encoding/gob"
)

// Command is the wire form of a KV operation carried in a log entry.
type Command struct {
	Op    string // "set", "get", "delete"
	Key   string
	Value string
}

// EncodeCommand serializes a command for Propose.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCommand parses a command out of a log entry payload.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd)
	return cmd, err
}
