// Package token defines the collateral token the escrow moves stakes with.
//
// The token is an external system. It may call back into the registry while a
// transfer is in progress, and its only failure signal is the error returned
// by the transfer call. Callers must not pre-check balances or allowances.
package token

//go:generate mockgen -source=token.go -destination=mocks/mocks.go -package=mocks Token

import (
	"context"
	"errors"

	"namereg/pkg/domain"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAccount        = errors.New("invalid account")
)

// Token is a client bound to one account: the escrow's. TransferIn moves
// amount from `from` to `to` using the allowance `from` granted that account.
// TransferOut moves amount from that account to `to`.
type Token interface {
	TransferIn(ctx context.Context, from, to domain.Principal, amount domain.Quantity) error
	TransferOut(ctx context.Context, to domain.Principal, amount domain.Quantity) error
	BalanceOf(ctx context.Context, account domain.Principal) (domain.Quantity, error)
	Allowance(ctx context.Context, owner, spender domain.Principal) (domain.Quantity, error)
}
