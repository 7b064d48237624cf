// Package memory is an in-process collateral token. It backs development mode
// and tests, and can run a hook on every transfer to act like a third-party
// token that calls back into the registry.
package memory

import (
	"context"
	"fmt"
	"sync"

	"namereg/internal/token"
	"namereg/pkg/domain"
)

// Direction tells a hook which kind of transfer is in progress.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Movement describes a transfer that has been applied but not yet returned to
// the caller.
type Movement struct {
	Direction Direction
	Spender   domain.Principal
	From      domain.Principal
	To        domain.Principal
	Amount    domain.Quantity
}

// Hook runs after balances moved and before the transfer call returns, with
// the caller's context. Returning an error reverts the movement and fails the
// transfer.
type Hook func(ctx context.Context, m Movement) error

type allowanceKey struct {
	owner   domain.Principal
	spender domain.Principal
}

// Ledger holds every account's balance and allowances.
type Ledger struct {
	mu         sync.Mutex
	balances   map[domain.Principal]domain.Quantity
	allowances map[allowanceKey]domain.Quantity
	hook       Hook
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[domain.Principal]domain.Quantity),
		allowances: make(map[allowanceKey]domain.Quantity),
	}
}

// Mint credits amount to account.
func (l *Ledger) Mint(account domain.Principal, amount domain.Quantity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Approve sets the amount spender may pull from owner.
func (l *Ledger) Approve(owner, spender domain.Principal, amount domain.Quantity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner: owner, spender: spender}] = amount
}

// SetHook installs h for every later transfer. A nil hook removes it.
func (l *Ledger) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// Balance returns account's balance.
func (l *Ledger) Balance(account domain.Principal) domain.Quantity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Client returns a token.Token acting as account.
func (l *Ledger) Client(account domain.Principal) *Token {
	return &Token{ledger: l, self: account}
}

// Token is a token.Token bound to one account of a Ledger.
type Token struct {
	ledger *Ledger
	self   domain.Principal
}

var _ token.Token = (*Token)(nil)

func (t *Token) TransferIn(ctx context.Context, from, to domain.Principal, amount domain.Quantity) error {
	return t.ledger.move(ctx, Movement{
		Direction: DirectionIn,
		Spender:   t.self,
		From:      from,
		To:        to,
		Amount:    amount,
	})
}

func (t *Token) TransferOut(ctx context.Context, to domain.Principal, amount domain.Quantity) error {
	return t.ledger.move(ctx, Movement{
		Direction: DirectionOut,
		Spender:   t.self,
		From:      t.self,
		To:        to,
		Amount:    amount,
	})
}

func (t *Token) BalanceOf(_ context.Context, account domain.Principal) (domain.Quantity, error) {
	return t.ledger.Balance(account), nil
}

func (t *Token) Allowance(_ context.Context, owner, spender domain.Principal) (domain.Quantity, error) {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	return t.ledger.allowances[allowanceKey{owner: owner, spender: spender}], nil
}

// move applies m, runs the hook outside the lock so it may reenter, and
// reverts m if the hook fails.
func (l *Ledger) move(ctx context.Context, m Movement) error {
	if m.From.IsNull() || m.To.IsNull() {
		return token.ErrInvalidAccount
	}

	l.mu.Lock()
	spendsAllowance := m.Direction == DirectionIn && m.From != m.Spender
	ak := allowanceKey{owner: m.From, spender: m.Spender}
	if spendsAllowance && l.allowances[ak] < m.Amount {
		l.mu.Unlock()
		return token.ErrInsufficientAllowance
	}
	if l.balances[m.From] < m.Amount {
		l.mu.Unlock()
		return token.ErrInsufficientBalance
	}
	if spendsAllowance {
		l.allowances[ak] -= m.Amount
	}
	l.balances[m.From] -= m.Amount
	l.balances[m.To] += m.Amount
	hook := l.hook
	l.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, m); err != nil {
		l.mu.Lock()
		l.balances[m.To] -= m.Amount
		l.balances[m.From] += m.Amount
		if spendsAllowance {
			l.allowances[ak] += m.Amount
		}
		l.mu.Unlock()
		return fmt.Errorf("transfer reverted: %w", err)
	}
	return nil
}
