// Package postgres persists stakes and pending withdrawals in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"namereg/internal/escrow/models"
	"namereg/pkg/domain"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

const (
	insertStake = `
INSERT INTO stakes (identifier, amount, depositor, deposited_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identifier) DO NOTHING`
	selectStake      = `SELECT identifier, amount, depositor, deposited_at FROM stakes WHERE identifier = $1`
	deleteStake      = `DELETE FROM stakes WHERE identifier = $1`
	scanStakes       = `SELECT identifier, amount, depositor, deposited_at FROM stakes ORDER BY identifier`
	sumStakes        = `SELECT COALESCE(SUM(amount), 0) FROM stakes`
	creditWithdrawal = `
INSERT INTO withdrawals (principal, amount, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (principal) DO UPDATE
SET amount = withdrawals.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at`
	debitWithdrawal = `
UPDATE withdrawals SET amount = amount - $2, updated_at = $3
WHERE principal = $1 AND amount >= $2`
	selectWithdrawal = `SELECT amount FROM withdrawals WHERE principal = $1`
	scanWithdrawals  = `SELECT principal, amount FROM withdrawals WHERE amount > 0 ORDER BY principal`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertStake(ctx context.Context, stake *models.Stake) error {
	res, err := tx.Executor(ctx, s.db).ExecContext(ctx, insertStake,
		stake.Identifier.String(), int64(stake.Amount), stake.Depositor.String(), stake.DepositedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stake: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert stake: %w", err)
	}
	if n == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *PostgresStore) FindStake(ctx context.Context, id domain.Identifier) (*models.Stake, error) {
	stake, err := scanStake(tx.Executor(ctx, s.db).QueryRowContext(ctx, selectStake, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find stake: %w", err)
	}
	return stake, nil
}

func (s *PostgresStore) DeleteStake(ctx context.Context, id domain.Identifier) error {
	res, err := tx.Executor(ctx, s.db).ExecContext(ctx, deleteStake, id.String())
	if err != nil {
		return fmt.Errorf("delete stake: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete stake: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ScanStakes(ctx context.Context) ([]*models.Stake, error) {
	rows, err := tx.Executor(ctx, s.db).QueryContext(ctx, scanStakes)
	if err != nil {
		return nil, fmt.Errorf("scan stakes: %w", err)
	}
	defer rows.Close()

	var out []*models.Stake
	for rows.Next() {
		stake, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stake row: %w", err)
		}
		out = append(out, stake)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TotalLocked(ctx context.Context) (domain.Quantity, error) {
	var total int64
	if err := tx.Executor(ctx, s.db).QueryRowContext(ctx, sumStakes).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum stakes: %w", err)
	}
	return domain.Quantity(total), nil
}

func (s *PostgresStore) CreditWithdrawal(ctx context.Context, p domain.Principal, amount domain.Quantity) error {
	_, err := tx.Executor(ctx, s.db).ExecContext(ctx, creditWithdrawal, p.String(), int64(amount), time.Now())
	if err != nil {
		return fmt.Errorf("credit withdrawal: %w", err)
	}
	return nil
}

func (s *PostgresStore) DebitWithdrawal(ctx context.Context, p domain.Principal, amount domain.Quantity) error {
	res, err := tx.Executor(ctx, s.db).ExecContext(ctx, debitWithdrawal, p.String(), int64(amount), time.Now())
	if err != nil {
		return fmt.Errorf("debit withdrawal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit withdrawal: %w", err)
	}
	if n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) PendingWithdrawal(ctx context.Context, p domain.Principal) (domain.Quantity, error) {
	var amount int64
	err := tx.Executor(ctx, s.db).QueryRowContext(ctx, selectWithdrawal, p.String()).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read withdrawal: %w", err)
	}
	return domain.Quantity(amount), nil
}

func (s *PostgresStore) ScanWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	rows, err := tx.Executor(ctx, s.db).QueryContext(ctx, scanWithdrawals)
	if err != nil {
		return nil, fmt.Errorf("scan withdrawals: %w", err)
	}
	defer rows.Close()

	var out []models.Withdrawal
	for rows.Next() {
		var (
			principal string
			amount    int64
		)
		if err := rows.Scan(&principal, &amount); err != nil {
			return nil, fmt.Errorf("scan withdrawal row: %w", err)
		}
		out = append(out, models.Withdrawal{Principal: domain.Principal(principal), Amount: domain.Quantity(amount)})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStake(row rowScanner) (*models.Stake, error) {
	var (
		rawID, depositor string
		amount           int64
		stake            models.Stake
	)
	if err := row.Scan(&rawID, &amount, &depositor, &stake.DepositedAt); err != nil {
		return nil, err
	}
	id, err := domain.ParseIdentifier(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored identifier %q: %w", rawID, err)
	}
	stake.Identifier = id
	stake.Amount = domain.Quantity(amount)
	stake.Depositor = domain.Principal(depositor)
	return &stake, nil
}
