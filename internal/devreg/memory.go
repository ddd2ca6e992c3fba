package devreg

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a map-backed [Store]. It backs tests and runs that
// do not need registry state to survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry  // id -> entry
	byIdent  map[string]string // identifier -> id
	watchers watcherSet
	nowFunc  func() time.Time // injectable for testing; defaults to time.Now
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		byIdent: make(map[string]string),
		nowFunc: time.Now,
	}
}

// Get returns the entry with the given id.
func (s *MemoryStore) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

// GetByIdentifier returns the entry registered under identifier.
func (s *MemoryStore) GetByIdentifier(identifier string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdent[identifier]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

// List returns all entries sorted by identifier.
func (s *MemoryStore) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Create stores a new entry. A missing ID is assigned; the identifier
// must not already be registered.
func (s *MemoryStore) Create(e Entry) (Entry, error) {
	s.mu.Lock()
	if e.Identifier == "" {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("devreg: create without identifier")
	}
	if _, exists := s.byIdent[e.Identifier]; exists {
		s.mu.Unlock()
		return Entry{}, ErrIdentifierExists
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			s.mu.Unlock()
			return Entry{}, fmt.Errorf("devreg: assign id: %w", err)
		}
		e.ID = id.String()
	}
	now := s.nowFunc()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Connections = cloneConnections(e.Connections)
	s.entries[e.ID] = e
	s.byIdent[e.Identifier] = e.ID
	stored := cloneEntry(e)
	s.mu.Unlock()

	s.watchers.notify(Event{Action: ActionCreate, Entry: stored})
	return stored, nil
}

// Update applies ch to the entry with the given id. Watchers are only
// notified when a field actually changed.
func (s *MemoryStore) Update(id string, ch Changes) (Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	if !applyChanges(&e, ch) {
		s.mu.Unlock()
		return cloneEntry(e), nil
	}
	e.UpdatedAt = s.nowFunc()
	s.entries[id] = e
	updated := cloneEntry(e)
	s.mu.Unlock()

	s.watchers.notify(Event{Action: ActionUpdate, Entry: updated})
	return updated, nil
}

// Remove deletes the entry with the given id.
func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.entries, id)
	delete(s.byIdent, e.Identifier)
	removed := cloneEntry(e)
	s.mu.Unlock()

	s.watchers.notify(Event{Action: ActionRemove, Entry: removed})
	return nil
}

// Watch registers fn for registry events and returns its cancel.
func (s *MemoryStore) Watch(fn func(Event)) (cancel func()) {
	return s.watchers.add(fn)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
