package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"

	"github.com/openraftlabs/openraft/pkg/raft"
)

// wal is an append-only entry log. Each record is a length-prefixed
// gob frame so appends survive process restarts and a torn tail from a
// crash mid-append is detected and discarded on load. Rewrites
// (truncate, compact) go through a temp file and rename.
type wal struct {
	path string
	file *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &wal{path: path, file: f}, nil
}

func encodeFrame(buf *bytes.Buffer, e *raft.LogEntry) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(e); err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(body.Len()))
	buf.Write(size[:])
	buf.Write(body.Bytes())
	return nil
}

func (w *wal) append(entries []raft.LogEntry) error {
	var buf bytes.Buffer
	for i := range entries {
		if err := encodeFrame(&buf, &entries[i]); err != nil {
			return err
		}
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *wal) readAll() ([]raft.LogEntry, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []raft.LogEntry
	r := make([]byte, 4)
	for {
		if _, err := io.ReadFull(f, r); err != nil {
			break // EOF or torn length prefix
		}
		body := make([]byte, binary.BigEndian.Uint32(r))
		if _, err := io.ReadFull(f, body); err != nil {
			break // torn tail
		}
		var e raft.LogEntry
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// rewrite atomically replaces the log contents with keep.
func (w *wal) rewrite(keep []raft.LogEntry) error {
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for i := range keep {
		if err := encodeFrame(&buf, &keep[i]); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = nf
	return nil
}

func (w *wal) close() error {
	return w.file.Close()
}
