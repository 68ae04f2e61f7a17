package poller

import (
	"encoding/json"
	"sync"
)

// LocalStore is the client's materialized copy of one entity stream. Applying
// a ChangeSet is idempotent: upserts overwrite by id, deletes remove by id,
// and the local version only ever advances.
type LocalStore struct {
	mu       sync.Mutex
	entities map[string]json.RawMessage
	version  uint64
}

func NewLocalStore() *LocalStore {
	return &LocalStore{entities: make(map[string]json.RawMessage)}
}

// Apply merges a ChangeSet and reports whether it advanced local state.
// A set whose version is not ahead of the local one is ignored, which makes
// duplicate delivery across reconnects harmless.
func (s *LocalStore) Apply(cs *ChangeSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.SyncType == SyncFull {
		// A full sync is a new baseline, not a delta.
		s.entities = make(map[string]json.RawMessage, len(cs.Data))
		for _, rec := range cs.Data {
			s.entities[rec.EntityID] = rec.Payload
		}
		s.version = cs.Version
		return true
	}

	if cs.Version <= s.version {
		return false
	}
	for _, rec := range cs.Data {
		s.entities[rec.EntityID] = rec.Payload
	}
	for _, rec := range cs.Removed {
		delete(s.entities, rec.EntityID)
	}
	s.version = cs.Version
	return true
}

func (s *LocalStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

func (s *LocalStore) Get(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.entities[id]
	return payload, ok
}
