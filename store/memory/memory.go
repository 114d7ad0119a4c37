// Package memory is the in-memory registry of data adapters used by the link
// pool. It keeps registration order, which is the order the selection policy
// walks, and indexes adapters by id for control-channel requests.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/risa-org/linkpool/transport"
)

var ErrDuplicateID = errors.New("adapter id already registered")

// Store is a thread-safe ordered collection of adapters.
type Store struct {
	mu    sync.RWMutex
	byID  map[uint16]*transport.Adapter
	order []*transport.Adapter
}

// New creates an empty store.
func New() *Store {
	return &Store{byID: make(map[uint16]*transport.Adapter)}
}

// Add appends a to the registration order.
func (s *Store) Add(a *transport.Adapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, a.ID())
	}
	s.byID[a.ID()] = a
	s.order = append(s.order, a)
	return nil
}

// Get looks an adapter up by id.
func (s *Store) Get(id uint16) (*transport.Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// At returns the adapter at registration index i.
func (s *Store) At(i int) (*transport.Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.order) {
		return nil, false
	}
	return s.order[i], true
}

// Delete removes an adapter. Returns false if it was not registered.
func (s *Store) Delete(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, a := range s.order {
		if a.ID() == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Count returns the number of registered adapters.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// All returns a snapshot in registration order.
func (s *Store) All() []*transport.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*transport.Adapter, len(s.order))
	copy(out, s.order)
	return out
}

// Connected returns the adapters currently in StateConnected, in registration order.
func (s *Store) Connected() []*transport.Adapter {
	var out []*transport.Adapter
	for _, a := range s.All() {
		if a.IsConnected() {
			out = append(out, a)
		}
	}
	return out
}
