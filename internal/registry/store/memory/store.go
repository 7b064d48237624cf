// Package memory keeps name records and registry settings in process memory,
// journaling every mutation with the running execution.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"namereg/internal/registry/models"
	"namereg/pkg/domain"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	byID   map[domain.Identifier]*models.NameRecord
	byName map[string]domain.Identifier
	cost   *domain.Quantity
}

func New() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[domain.Identifier]*models.NameRecord),
		byName: make(map[string]domain.Identifier),
	}
}

func (s *InMemoryStore) Insert(ctx context.Context, rec *models.NameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[rec.Name]; exists {
		return sentinel.ErrAlreadyUsed
	}
	if _, exists := s.byID[rec.Identifier]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.byID[rec.Identifier] = rec.Clone()
	s.byName[rec.Name] = rec.Identifier
	tx.OnRollback(ctx, "name record insert", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byID, rec.Identifier)
		delete(s.byName, rec.Name)
		return nil
	})
	return nil
}

func (s *InMemoryStore) FindByName(_ context.Context, name string) (*models.NameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *InMemoryStore) FindByIdentifier(_ context.Context, id domain.Identifier) (*models.NameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) FindMany(_ context.Context, ids []domain.Identifier) ([]*models.NameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.NameRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	sortByName(out)
	return out, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id domain.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byName, prev.Name)
	tx.OnRollback(ctx, "name record delete", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[id] = prev
		s.byName[prev.Name] = id
		return nil
	})
	return nil
}

func (s *InMemoryStore) Scan(context.Context) ([]*models.NameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.NameRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec.Clone())
	}
	sortByName(out)
	return out, nil
}

// Cost returns ErrNotFound until SetCost has been called.
func (s *InMemoryStore) Cost(context.Context) (domain.Quantity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cost == nil {
		return 0, sentinel.ErrNotFound
	}
	return *s.cost, nil
}

func (s *InMemoryStore) SetCost(ctx context.Context, cost domain.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cost
	s.cost = &cost
	tx.OnRollback(ctx, "cost update", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cost = prev
		return nil
	})
	return nil
}

func sortByName(recs []*models.NameRecord) {
	slices.SortFunc(recs, func(a, b *models.NameRecord) int {
		return strings.Compare(a.Name, b.Name)
	})
}
