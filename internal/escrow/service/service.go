// Package service is the stake escrow. It pulls collateral from the payer when
// a stake is deposited and returns it when the stake is released.
//
// Deposit pulls before it records, and registers a refund with the execution
// in case a later step aborts. Release removes the record before any funds
// move. While a transfer is in flight the identifier is sealed, so a token
// that calls back into the registry cannot mutate it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"namereg/internal/escrow/models"
	"namereg/internal/events"
	"namereg/internal/platform/metrics"
	"namereg/internal/token"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
	"namereg/pkg/requestcontext"
)

type Store interface {
	InsertStake(ctx context.Context, stake *models.Stake) error
	FindStake(ctx context.Context, id domain.Identifier) (*models.Stake, error)
	DeleteStake(ctx context.Context, id domain.Identifier) error
	ScanStakes(ctx context.Context) ([]*models.Stake, error)
	TotalLocked(ctx context.Context) (domain.Quantity, error)
	CreditWithdrawal(ctx context.Context, p domain.Principal, amount domain.Quantity) error
	DebitWithdrawal(ctx context.Context, p domain.Principal, amount domain.Quantity) error
	PendingWithdrawal(ctx context.Context, p domain.Principal) (domain.Quantity, error)
	ScanWithdrawals(ctx context.Context) ([]models.Withdrawal, error)
}

type Service struct {
	store     Store
	token     token.Token
	account   domain.Principal
	runner    tx.Runner
	mode      models.PayoutMode
	logger    *slog.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithPayoutMode selects how released stakes are paid. Defaults to deferred.
func WithPayoutMode(mode models.PayoutMode) Option {
	return func(s *Service) {
		s.mode = mode
	}
}

// New builds the escrow. account is the principal the escrow holds funds
// under; tok must act as that account.
func New(store Store, tok token.Token, account domain.Principal, runner tx.Runner, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("stake store is required")
	}
	if tok == nil {
		return nil, errors.New("token is required")
	}
	if account.IsNull() {
		return nil, errors.New("escrow account is required")
	}
	if runner == nil {
		return nil, errors.New("tx runner is required")
	}
	s := &Service{
		store:   store,
		token:   tok,
		account: account,
		runner:  runner,
		mode:    models.PayoutDeferred,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := models.ParsePayoutMode(string(s.mode)); !ok {
		return nil, fmt.Errorf("unknown payout mode %q", s.mode)
	}
	return s, nil
}

func (s *Service) Account() domain.Principal { return s.account }

func (s *Service) Mode() models.PayoutMode { return s.mode }

// Deposit pulls amount from payer and records the stake for id.
func (s *Service) Deposit(ctx context.Context, id domain.Identifier, amount domain.Quantity, payer domain.Principal) (*models.Stake, error) {
	if amount == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidAmount, "stake amount must be positive")
	}
	var stake *models.Stake
	err := s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		key := id.String()
		if err := tx.Guard(ctx, key); err != nil {
			return err
		}
		if _, err := s.store.FindStake(ctx, id); err == nil {
			return dErrors.New(dErrors.CodeDuplicateStake, "identifier already has a stake")
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load stake")
		}

		if err := s.pull(ctx, key, payer, amount); err != nil {
			return err
		}

		stake = &models.Stake{
			Identifier:  id,
			Amount:      amount,
			Depositor:   payer,
			DepositedAt: requestcontext.Now(ctx),
		}
		if err := s.store.InsertStake(ctx, stake); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeDuplicateStake, "identifier already has a stake")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record stake")
		}
		events.Emit(ctx, s.publisher, s.logger, events.StakeDeposited(ctx, id, amount, payer))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stake, nil
}

// pull moves amount from payer into escrow with key sealed, and journals the
// refund that runs if the execution aborts afterwards.
func (s *Service) pull(ctx context.Context, key string, payer domain.Principal, amount domain.Quantity) error {
	unseal := tx.Seal(ctx, key)
	err := s.token.TransferIn(ctx, payer, s.account, amount)
	unseal()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransferFailed, "collateral transfer from payer failed")
	}
	tx.OnRollback(ctx, "refund stake pull", func(ctx context.Context) error {
		if err := s.token.TransferOut(ctx, payer, amount); err != nil {
			s.metrics.AddStrandedFunds("refund_failed", uint64(amount))
			s.logger.ErrorContext(ctx, "failed to refund collateral after abort",
				"payer", payer,
				"amount", uint64(amount),
				"error", err,
			)
			return fmt.Errorf("refund %d to %s: %w", amount, payer, err)
		}
		return nil
	})
	return nil
}

// Release deletes the stake for id and pays it to recipient according to the
// payout mode.
func (s *Service) Release(ctx context.Context, id domain.Identifier, recipient domain.Principal) (*models.Payout, error) {
	if recipient.IsNull() {
		return nil, dErrors.New(dErrors.CodeInvalidOwner, "recipient must not be the null principal")
	}
	keys := []string{id.String()}
	if s.mode != models.PayoutDirect {
		keys = append(keys, models.WithdrawalKey(recipient))
	}
	var payout *models.Payout
	err := s.runner.RunInTx(ctx, keys, func(ctx context.Context) error {
		key := id.String()
		if err := tx.Guard(ctx, key); err != nil {
			return err
		}
		stake, err := s.store.FindStake(ctx, id)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "no stake for identifier")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load stake")
		}
		if err := s.store.DeleteStake(ctx, id); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete stake")
		}
		payout = &models.Payout{Identifier: id, Recipient: recipient, Amount: stake.Amount, Mode: s.mode}

		switch s.mode {
		case models.PayoutDirect:
			if err := s.push(ctx, key, recipient, stake.Amount); err != nil {
				return err
			}
			payout.Paid = true
		default:
			if err := s.queue(ctx, recipient, stake.Amount); err != nil {
				return err
			}
		}
		events.Emit(ctx, s.publisher, s.logger, events.StakeReleased(ctx, id, stake.Amount, recipient))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// push pays recipient inline. Funds that leave escrow cannot be pulled back, so
// if the execution aborts after a successful push the loss is reported.
func (s *Service) push(ctx context.Context, key string, recipient domain.Principal, amount domain.Quantity) error {
	unseal := tx.Seal(ctx, key)
	err := s.token.TransferOut(ctx, recipient, amount)
	unseal()
	if err != nil {
		s.metrics.IncrementPayoutFailures()
		return dErrors.Wrap(err, dErrors.CodeTransferFailed, "collateral transfer to recipient failed")
	}
	tx.OnRollback(ctx, "released stake already paid", func(ctx context.Context) error {
		s.metrics.AddStrandedFunds("paid_before_abort", uint64(amount))
		return fmt.Errorf("%d already paid to %s", amount, recipient)
	})
	return nil
}

// queue credits recipient's pending withdrawal and tries to pay it once the
// execution commits.
func (s *Service) queue(ctx context.Context, recipient domain.Principal, amount domain.Quantity) error {
	if err := s.store.CreditWithdrawal(ctx, recipient, amount); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to queue payout")
	}
	events.Emit(ctx, s.publisher, s.logger, events.WithdrawalQueued(ctx, recipient, amount))
	tx.AfterCommit(ctx, func(ctx context.Context) {
		s.metrics.IncrementPayoutsQueued()
		if _, err := s.Withdraw(ctx, recipient); err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
			s.logger.WarnContext(ctx, "deferred payout left pending",
				"recipient", recipient,
				"amount", uint64(amount),
				"error", err,
			)
		}
	})
	return nil
}

// Withdraw pays out everything pending for principal. The pending balance is
// debited before the transfer; a failed transfer restores it.
func (s *Service) Withdraw(ctx context.Context, principal domain.Principal) (domain.Quantity, error) {
	if principal.IsNull() {
		return 0, dErrors.New(dErrors.CodeInvalidOwner, "principal is required")
	}
	key := models.WithdrawalKey(principal)
	var paid domain.Quantity
	err := s.runner.RunInTx(ctx, []string{key}, func(ctx context.Context) error {
		if err := tx.Guard(ctx, key); err != nil {
			return err
		}
		pending, err := s.store.PendingWithdrawal(ctx, principal)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pending withdrawal")
		}
		if pending == 0 {
			return dErrors.New(dErrors.CodeNotFound, "nothing to withdraw")
		}
		if err := s.store.DebitWithdrawal(ctx, principal, pending); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to debit pending withdrawal")
		}
		if err := s.push(ctx, key, principal, pending); err != nil {
			return err
		}
		paid = pending
		events.Emit(ctx, s.publisher, s.logger, events.Withdrawn(ctx, principal, pending))
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.IncrementPayoutsSettled()
	s.logger.InfoContext(ctx, "withdrawal paid", "principal", principal, "amount", uint64(paid))
	return paid, nil
}

// AmountOf returns the stake locked for id, or 0 when there is none.
func (s *Service) AmountOf(ctx context.Context, id domain.Identifier) domain.Quantity {
	var amount domain.Quantity
	err := s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		stake, err := s.store.FindStake(ctx, id)
		if err != nil {
			return err
		}
		amount = stake.Amount
		return nil
	})
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "stake lookup failed", "identifier", id, "error", err)
		}
		return 0
	}
	return amount
}

func (s *Service) PendingOf(ctx context.Context, principal domain.Principal) (domain.Quantity, error) {
	amount, err := s.store.PendingWithdrawal(ctx, principal)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pending withdrawal")
	}
	return amount, nil
}

func (s *Service) Scan(ctx context.Context) ([]*models.Stake, error) {
	stakes, err := s.store.ScanStakes(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to scan stakes")
	}
	return stakes, nil
}

func (s *Service) TotalLocked(ctx context.Context) (domain.Quantity, error) {
	total, err := s.store.TotalLocked(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sum stakes")
	}
	return total, nil
}

func (s *Service) PendingWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	w, err := s.store.ScanWithdrawals(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to scan withdrawals")
	}
	return w, nil
}
