// Package inmem provides an in-memory recovery.Store, the default backend
// (recovery_store_kind=memory) and the one used by unit tests. Grounded on
// runtime/agent/session/inmem/store.go's mutex-guarded-map-plus-clone
// pattern.
package inmem

import (
	"context"
	"sync"

	"goa.design/agentcore/core/recovery"
)

// Store is an in-memory recovery.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*recovery.Record
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*recovery.Record)}
}

// Save stores record, overwriting any prior record for the same
// chat_session_id.
func (s *Store) Save(_ context.Context, record *recovery.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ChatSessionID] = recovery.Clone(record)
	return nil
}

// Load returns the stored record, or recovery.ErrNotFound.
func (s *Store) Load(_ context.Context, chatSessionID string) (*recovery.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[chatSessionID]
	if !ok {
		return nil, recovery.ErrNotFound
	}
	return recovery.Clone(r), nil
}

// Purge removes the stored record, if any. Purging a missing record is not
// an error (spec §9: "purged only after a successful injection
// observation", implying callers may purge defensively).
func (s *Store) Purge(_ context.Context, chatSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, chatSessionID)
	return nil
}
