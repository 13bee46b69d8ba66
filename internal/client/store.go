package client

import (
	"sort"
	"sync"
)

// Store holds the Progress of every known client, keyed by handle id.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*Progress
	order   []string
}

func NewStore() *Store {
	return &Store{
		clients: make(map[string]*Progress),
	}
}

// Track returns the Progress for h, creating it on first use.
func (s *Store) Track(h Handle) *Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.clients[h.ID]; ok {
		return p
	}
	p := NewProgress(h)
	s.clients[h.ID] = p
	s.order = append(s.order, h.ID)
	return p
}

func (s *Store) Get(id string) (*Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.clients[id]
	return p, ok
}

// All returns every tracked client in the order they were first tracked.
func (s *Store) All() []*Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Progress, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.clients[id])
	}
	return result
}

// Handles returns the tracked handles sorted by id.
func (s *Store) Handles() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hs := make([]Handle, 0, len(s.clients))
	for _, p := range s.clients {
		hs = append(hs, p.Handle)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })
	return hs
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return
	}
	delete(s.clients, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
