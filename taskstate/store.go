// Package taskstate holds process-scope task metadata.
//
// The store is a small synchronized key/value map consumed by the executor
// to resolve the artifact download directory for the current task. It is
// deliberately dumb: the calling application owns what goes in it.
package taskstate

import "sync"

// Well-known keys.
const (
	KeyDataPath    = "data_path"
	KeyCurrentDate = "current_date"
)

// Store is a concurrency-safe string key/value map.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Set stores value under key.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}
