package store

import (
	"sort"
	"sync"

	"github.com/flowbroker/flowbroker/event"
)

// MemStore is a simple in-memory Store, used by the tests. Nothing selects
// it automatically; a StoreFactory has to return it.
type MemStore struct {
	mu   sync.RWMutex
	logs map[event.ActorID][]*event.Owned // sorted ascending by counter
}

func NewMemStore() *MemStore {
	return &MemStore{logs: make(map[event.ActorID][]*event.Owned)}
}

func (s *MemStore) Append(ev *event.Owned) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor := ev.ID().Actor
	s.logs[actor] = append(s.logs[actor], ev)
	return nil
}

func (s *MemStore) ReadFrom(actor event.ActorID, after uint64) (Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[actor]
	idx := sort.Search(len(log), func(i int) bool { return log[i].ID().Counter > after })
	cp := make([]*event.Owned, len(log)-idx)
	copy(cp, log[idx:])
	return newSliceIterator(cp), nil
}

func (s *MemStore) HighestCounter(actor event.ActorID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[actor]
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].ID().Counter
}

func (s *MemStore) EvictBefore(actor event.ActorID, before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[actor]
	idx := sort.Search(len(log), func(i int) bool { return log[i].ID().Counter >= before })
	s.logs[actor] = append([]*event.Owned{}, log[idx:]...)
	return nil
}

func (s *MemStore) Actors() []event.ActorID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.ActorID, 0, len(s.logs))
	for actor := range s.logs {
		out = append(out, actor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
