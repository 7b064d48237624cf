// Package memory keeps stakes and pending withdrawals in process memory,
// journaling every mutation with the running execution.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"namereg/internal/escrow/models"
	"namereg/pkg/domain"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

type InMemoryStore struct {
	mu          sync.RWMutex
	stakes      map[domain.Identifier]*models.Stake
	withdrawals map[domain.Principal]domain.Quantity
}

func New() *InMemoryStore {
	return &InMemoryStore{
		stakes:      make(map[domain.Identifier]*models.Stake),
		withdrawals: make(map[domain.Principal]domain.Quantity),
	}
}

func (s *InMemoryStore) InsertStake(ctx context.Context, stake *models.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stakes[stake.Identifier]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.stakes[stake.Identifier] = stake.Clone()
	tx.OnRollback(ctx, "escrow insert stake", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stakes, stake.Identifier)
		return nil
	})
	return nil
}

func (s *InMemoryStore) FindStake(_ context.Context, id domain.Identifier) (*models.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stake, ok := s.stakes[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return stake.Clone(), nil
}

func (s *InMemoryStore) DeleteStake(ctx context.Context, id domain.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.stakes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.stakes, id)
	tx.OnRollback(ctx, "escrow delete stake", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stakes[id] = prev
		return nil
	})
	return nil
}

func (s *InMemoryStore) ScanStakes(context.Context) ([]*models.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Stake, 0, len(s.stakes))
	for _, stake := range s.stakes {
		out = append(out, stake.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Stake) int { return a.Identifier.Compare(b.Identifier) })
	return out, nil
}

func (s *InMemoryStore) TotalLocked(context.Context) (domain.Quantity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total domain.Quantity
	for _, stake := range s.stakes {
		total += stake.Amount
	}
	return total, nil
}

func (s *InMemoryStore) CreditWithdrawal(ctx context.Context, p domain.Principal, amount domain.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawals[p] += amount
	tx.OnRollback(ctx, "escrow credit withdrawal", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.withdrawals[p] < amount {
			return fmt.Errorf("undo credit of %d to %s: only %d pending: %w", amount, p, s.withdrawals[p], sentinel.ErrInvalidState)
		}
		s.withdrawals[p] -= amount
		if s.withdrawals[p] == 0 {
			delete(s.withdrawals, p)
		}
		return nil
	})
	return nil
}

func (s *InMemoryStore) DebitWithdrawal(ctx context.Context, p domain.Principal, amount domain.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawals[p] < amount {
		return sentinel.ErrInvalidState
	}
	s.withdrawals[p] -= amount
	if s.withdrawals[p] == 0 {
		delete(s.withdrawals, p)
	}
	tx.OnRollback(ctx, "escrow debit withdrawal", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.withdrawals[p] += amount
		return nil
	})
	return nil
}

func (s *InMemoryStore) PendingWithdrawal(_ context.Context, p domain.Principal) (domain.Quantity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.withdrawals[p], nil
}

func (s *InMemoryStore) ScanWithdrawals(context.Context) ([]models.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Withdrawal, 0, len(s.withdrawals))
	for p, amount := range s.withdrawals {
		out = append(out, models.Withdrawal{Principal: p, Amount: amount})
	}
	slices.SortFunc(out, func(a, b models.Withdrawal) int {
		return strings.Compare(a.Principal.String(), b.Principal.String())
	})
	return out, nil
}
