package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type opType string

const (
	opPut    opType = "put"
	opDelete opType = "delete"
)

type walRecord struct {
	Op    opType `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// File is a single-node, disk-backed Store. Every write is appended to a
// write-ahead log and fsynced before it becomes visible.
type File struct {
	mu   sync.RWMutex
	data map[string][]byte

	walPath string
	walFile *os.File
}

// OpenFile creates the data directory if needed and replays any existing WAL.
func OpenFile(dataDir string) (*File, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	walPath := filepath.Join(dataDir, "orchestrator.wal")

	f, err := os.OpenFile(walPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s := &File{
		data:    make(map[string][]byte),
		walPath: walPath,
	}
	err = s.replay(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	s.walFile, err = os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen wal append: %w", err)
	}
	return s, nil
}

func (s *File) replay(f *os.File) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("decode wal record: %w", err)
		}
		switch rec.Op {
		case opPut:
			s.data[rec.Key] = rec.Value
		case opDelete:
			delete(s.data, rec.Key)
		default:
			return fmt.Errorf("unknown wal op: %s", rec.Op)
		}
	}
	return scanner.Err()
}

func (s *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *File) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendRecord(walRecord{Op: opPut, Key: key, Value: value}); err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *File) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if hasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *File) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendRecord(walRecord{Op: opDelete, Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

// Close closes the underlying WAL file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile == nil {
		return nil
	}
	err := s.walFile.Close()
	s.walFile = nil
	return err
}

// appendRecord writes one WAL line and fsyncs it. Callers hold s.mu.
func (s *File) appendRecord(rec walRecord) error {
	if s.walFile == nil {
		return fmt.Errorf("wal closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.walFile.Write(b); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	if err := s.walFile.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

var _ Store = (*File)(nil)
