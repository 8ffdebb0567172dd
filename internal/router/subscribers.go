package router

import (
	"sync"

	"github.com/1ureka/devlink/internal/broker"
)

// Subscribers is a concurrent set of origins that want camera frames.
type Subscribers struct {
	mu  sync.Mutex
	set map[broker.ClientID]struct{}
}

func NewSubscribers() *Subscribers {
	return &Subscribers{set: make(map[broker.ClientID]struct{})}
}

func (s *Subscribers) Add(id broker.ClientID) {
	s.mu.Lock()
	s.set[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscribers) Remove(id broker.ClientID) {
	s.mu.Lock()
	delete(s.set, id)
	s.mu.Unlock()
}

func (s *Subscribers) Has(id broker.ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[id]
	return ok
}

func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// Snapshot copies the current members.
func (s *Subscribers) Snapshot() []broker.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.ClientID, 0, len(s.set))
	for id := range s.set {
		out = append(out, id)
	}
	return out
}
