package party

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemStore keeps organizations in process memory.
type MemStore struct {
	mu      sync.RWMutex
	byID    map[string]Organization
	byTuple map[Tuple]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		byID:    make(map[string]Organization),
		byTuple: make(map[Tuple]string),
	}
}

func (s *MemStore) Insert(_ context.Context, org Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byTuple[org.Tuple()]; taken {
		return fmt.Errorf("%w: %s", ErrConflict, org.Tuple())
	}
	s.byTuple[org.Tuple()] = org.ID
	s.byID[org.ID] = org
	return nil
}

func (s *MemStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byTuple, org.Tuple())
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.byID[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (s *MemStore) FindByTuple(_ context.Context, t Tuple) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTuple[t]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]Organization, error) {
	s.mu.RLock()
	out := make([]Organization, 0, len(s.byID))
	for _, org := range s.byID {
		if f.Match(org) {
			out = append(out, org)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id string, from []Status, to Status, at time.Time) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.byID[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	if !slices.Contains(from, org.Status) {
		return Organization{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, org.Status, to)
	}
	org.Status = to
	org.UpdatedAt = at
	s.byID[id] = org
	return org, nil
}

func (s *MemStore) CountByRole(_ context.Context) (map[Role]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Role]int, len(Roles))
	for _, r := range Roles {
		counts[r] = 0
	}
	for _, org := range s.byID {
		counts[org.Role]++
	}
	return counts, nil
}
