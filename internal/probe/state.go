package probe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// State is the advisory seq -> existed cache persisted between runs.
// Losing it costs probing efficiency, never correctness, so every
// operation degrades gracefully. A nil *State is a valid no-op cache.
type State struct {
	mu      sync.Mutex
	path    string
	entries map[int]bool
}

// LoadState reads the cache file for one prefix/year, returning an
// empty cache when the file does not exist yet.
func LoadState(dir, prefix string, year int) (*State, error) {
	path := filepath.Join(dir, fmt.Sprintf("probe-state-%s-%02d.json", prefix, year%100))
	s := &State{path: path, entries: make(map[int]bool)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read probe state %s: %w", path, err)
	}
	if err := s.merge(raw); err != nil {
		return nil, fmt.Errorf("parse probe state %s: %w", path, err)
	}
	return s, nil
}

// merge folds raw JSON entries into the cache; in-memory
// classifications win over on-disk ones. Callers hold the lock or
// have exclusive access to the State.
func (s *State) merge(raw []byte) error {
	onDisk := make(map[string]bool)
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return err
	}
	for key, existed := range onDisk {
		seq, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if _, have := s.entries[seq]; !have {
			s.entries[seq] = existed
		}
	}
	return nil
}

// Known reports whether the cache has classified seq.
func (s *State) Known(seq int) (existed bool, ok bool) {
	if s == nil {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existed, ok = s.entries[seq]
	return existed, ok
}

// Mark records the existence classification for seq.
func (s *State) Mark(seq int, existed bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.entries[seq] = existed
	s.mu.Unlock()
}

// Len reports how many ids the cache has classified.
func (s *State) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Save merges the in-memory entries with whatever is on disk and
// writes the union back, so two interleaved runs never clobber each
// other's classifications.
func (s *State) Save() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, err := os.ReadFile(s.path); err == nil {
		// A corrupt on-disk cache is overwritten by the in-memory view.
		_ = s.merge(raw)
	}

	out := make(map[string]bool, len(s.entries))
	for seq, existed := range s.entries {
		out[strconv.Itoa(seq)] = existed
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal probe state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create probe state dir: %w", err)
	}
	if err := os.WriteFile(s.path, payload, 0o600); err != nil {
		return fmt.Errorf("write probe state %s: %w", s.path, err)
	}
	return nil
}
