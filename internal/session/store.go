package session

import "sync"

// Store maps session ids to pending configuration records between creation
// and redemption.
//
// Entries live purely in memory for the process lifetime: a session that is
// created but never redeemed is retained until shutdown. A multi-instance
// deployment would need a shared store with atomic delete-on-read; that is
// out of scope here.
type Store struct {
	mu      sync.Mutex
	pending map[string]Config
}

func NewStore() *Store {
	return &Store{pending: make(map[string]Config)}
}

// Create inserts cfg under id, silently overwriting any existing entry.
// Callers are expected to always pass a freshly generated, collision-free id.
func (s *Store) Create(id string, cfg Config) {
	s.mu.Lock()
	s.pending[id] = cfg
	s.mu.Unlock()
}

// TakeOnce atomically looks up and removes the entry for id.
//
// The first caller for a given id observes the stored record; every later
// caller (including concurrent ones) observes absence. This is the
// exactly-once guarantee that prevents replay of a stale signaling URL.
func (s *Store) TakeOnce(id string) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.pending[id]
	if !ok {
		return Config{}, false
	}
	delete(s.pending, id)
	return cfg, true
}

// Len reports the number of unredeemed entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
