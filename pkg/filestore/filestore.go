// Package filestore reads and writes JSON documents on local disk so that
// readers never observe a partially written document.
//
// Writers within one process are serialized by a mutex keyed on the
// canonical path. Across processes an advisory flock is taken when the
// platform supports it; where it does not, only the in-process guarantee
// remains.
package filestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store serializes access to JSON documents by path.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty Store. One Store should be shared per process.
func New() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// ReadJSON decodes the document at path into out. It reports false when the
// file is missing, unreadable or not valid JSON; those cases are never errors.
func (s *Store) ReadJSON(path string, out any) bool {
	path = canonical(path)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, ok := readShared(path)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

// WriteJSON atomically replaces the document at path with v.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	path = canonical(path)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()
	return writeAtomic(path, data)
}

// Update runs a read-modify-write of the document at path while holding the
// path mutex for the whole cycle. fn receives the current raw document, or nil
// when it is absent or malformed, and returns the value to write back.
func (s *Store) Update(path string, fn func(current []byte) (any, error)) error {
	path = canonical(path)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	current, ok := readShared(path)
	if !ok || !json.Valid(current) {
		current = nil
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	data, err := Marshal(next)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// Marshal encodes v the way every persisted document is laid out: two-space
// indentation and no HTML escaping.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return buf.Bytes(), nil
}

func readShared(path string) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	unlock := lockShared(f)
	defer unlock()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	unlock := lockExclusive(tmp)
	if _, err := tmp.Write(data); err != nil {
		unlock()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		unlock()
		return fmt.Errorf("sync temp file: %w", err)
	}
	unlock()
	_ = tmp.Chmod(0o644)
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	syncDir(dir)
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	renamed = true
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
