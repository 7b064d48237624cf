// Package memory keeps certificates in process memory. Every mutation journals
// its undo with the running execution, so an aborted operation leaves no trace.
package memory

import (
	"context"
	"slices"
	"sync"

	"namereg/internal/ledger/models"
	"namereg/pkg/domain"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

type InMemoryStore struct {
	mu    sync.RWMutex
	certs map[domain.Identifier]*models.Certificate
	live  int64
}

func New() *InMemoryStore {
	return &InMemoryStore{certs: make(map[domain.Identifier]*models.Certificate)}
}

func (s *InMemoryStore) Insert(ctx context.Context, cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.certs[cert.Identifier]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.certs[cert.Identifier] = cert.Clone()
	s.live++
	tx.OnRollback(ctx, "ledger insert", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.certs, cert.Identifier)
		s.live--
		return nil
	})
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, id domain.Identifier) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cert.Clone(), nil
}

func (s *InMemoryStore) Update(ctx context.Context, cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.certs[cert.Identifier]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.certs[cert.Identifier] = cert.Clone()
	tx.OnRollback(ctx, "ledger update", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.certs[prev.Identifier] = prev
		return nil
	})
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id domain.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.certs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.certs, id)
	s.live--
	tx.OnRollback(ctx, "ledger delete", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.certs[id] = prev
		s.live++
		return nil
	})
	return nil
}

func (s *InMemoryStore) LiveCount(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live, nil
}

func (s *InMemoryStore) Scan(context.Context) ([]*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		out = append(out, cert.Clone())
	}
	sortByIdentifier(out)
	return out, nil
}

func (s *InMemoryStore) ListByOwner(_ context.Context, owner domain.Principal) ([]domain.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Identifier
	for id, cert := range s.certs {
		if cert.Owner == owner {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, domain.Identifier.Compare)
	return out, nil
}

func sortByIdentifier(certs []*models.Certificate) {
	slices.SortFunc(certs, func(a, b *models.Certificate) int {
		return a.Identifier.Compare(b.Identifier)
	})
}
