// Package sessionstore persists the mapping from channel key to the
// agent-session identifier a freshly spawned session host should
// resume, per spec.md's "Session persistence" (§4.4). It replaces the
// teacher's per-channel JSONL transcript files
// (internal/session/doc.go) with a single small JSON document, since
// relaymux's daemon never sees message content — only the opaque
// identifier the external agent binary hands back in a result frame.
package sessionstore

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Store is a channel -> session-identifier map, safe for concurrent
// use and durable across daemon restarts.
type Store struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

// Open loads path, silently tolerating a missing or corrupt file per
// spec.md §4.1's "read once at startup (silently tolerating a
// missing/corrupt file)": either case starts the store from an empty
// map rather than failing the whole daemon, since the atomic rename in
// writeLocked only protects against a torn write, not against the file
// having never been written by this code at all (a hand-edited or
// foreign file, an interrupted first-ever write with no prior good
// copy to fall back to).
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		log.Printf("[sessionstore] could not read %s, starting empty: %v", path, err)
		return s, nil
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		log.Printf("[sessionstore] %s is corrupt, starting empty: %v", path, err)
		s.data = make(map[string]string)
		return s, nil
	}
	return s, nil
}

// Get returns the persisted session identifier for channel, or "" if
// none is known.
func (s *Store) Get(channel string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[channel]
}

// Set records sessionID for channel and durably persists the whole
// map before returning, so a crash immediately after Set never loses
// the update.
func (s *Store) Set(channel, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[channel] = sessionID
	return s.writeLocked()
}

// Delete removes channel's persisted identifier, e.g. after a full
// shutdown that intentionally discards resumability.
func (s *Store) Delete(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[channel]; !ok {
		return nil
	}
	delete(s.data, channel)
	return s.writeLocked()
}

// writeLocked marshals the whole map and writes it to a sibling
// temporary file, then renames it over the real path. os.Rename
// within one filesystem is atomic, so a concurrent reader (or a crash
// mid-write) never observes a partially written document; no library
// in the corpus offers a higher-level primitive for this narrow OS
// operation, so it is implemented directly against the standard
// library (see DESIGN.md).
func (s *Store) writeLocked() error {
	data, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Snapshot returns a copy of the full channel -> session-id map, for
// status reporting.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
