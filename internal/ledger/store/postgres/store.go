// Package postgres persists certificates in PostgreSQL. The live counter in
// ledger_stats is adjusted in the same statement as the insert or delete that
// changes it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"namereg/internal/ledger/models"
	"namereg/pkg/domain"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

const (
	insertCertificate = `
WITH ins AS (
    INSERT INTO certificates (identifier, owner, approved, issued_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (identifier) DO NOTHING
    RETURNING 1
)
UPDATE ledger_stats SET live_count = live_count + (SELECT count(*) FROM ins)
WHERE id = 1
RETURNING (SELECT count(*) FROM ins)`

	deleteCertificate = `
WITH del AS (
    DELETE FROM certificates WHERE identifier = $1 RETURNING 1
)
UPDATE ledger_stats SET live_count = live_count - (SELECT count(*) FROM del)
WHERE id = 1
RETURNING (SELECT count(*) FROM del)`

	selectCertificate = `SELECT identifier, owner, approved, issued_at FROM certificates WHERE identifier = $1`
	updateCertificate = `UPDATE certificates SET owner = $2, approved = $3 WHERE identifier = $1`
	selectLiveCount   = `SELECT live_count FROM ledger_stats WHERE id = 1`
	scanCertificates  = `SELECT identifier, owner, approved, issued_at FROM certificates ORDER BY identifier`
	selectByOwner     = `SELECT identifier FROM certificates WHERE owner = $1 ORDER BY identifier`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, cert *models.Certificate) error {
	var inserted int64
	err := tx.Executor(ctx, s.db).QueryRowContext(ctx, insertCertificate,
		cert.Identifier.String(), cert.Owner.String(), cert.Approved.String(), cert.IssuedAt,
	).Scan(&inserted)
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	if inserted == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, id domain.Identifier) (*models.Certificate, error) {
	row := tx.Executor(ctx, s.db).QueryRowContext(ctx, selectCertificate, id.String())
	cert, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find certificate: %w", err)
	}
	return cert, nil
}

func (s *PostgresStore) Update(ctx context.Context, cert *models.Certificate) error {
	res, err := tx.Executor(ctx, s.db).ExecContext(ctx, updateCertificate,
		cert.Identifier.String(), cert.Owner.String(), cert.Approved.String(),
	)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id domain.Identifier) error {
	var deleted int64
	if err := tx.Executor(ctx, s.db).QueryRowContext(ctx, deleteCertificate, id.String()).Scan(&deleted); err != nil {
		return fmt.Errorf("delete certificate: %w", err)
	}
	if deleted == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LiveCount(ctx context.Context) (int64, error) {
	var n int64
	if err := tx.Executor(ctx, s.db).QueryRowContext(ctx, selectLiveCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("read live count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Scan(ctx context.Context) ([]*models.Certificate, error) {
	rows, err := tx.Executor(ctx, s.db).QueryContext(ctx, scanCertificates)
	if err != nil {
		return nil, fmt.Errorf("scan certificates: %w", err)
	}
	defer rows.Close()

	var out []*models.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate row: %w", err)
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner domain.Principal) ([]domain.Identifier, error) {
	rows, err := tx.Executor(ctx, s.db).QueryContext(ctx, selectByOwner, owner.String())
	if err != nil {
		return nil, fmt.Errorf("list certificates by owner: %w", err)
	}
	defer rows.Close()

	var out []domain.Identifier
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		id, err := domain.ParseIdentifier(raw)
		if err != nil {
			return nil, fmt.Errorf("stored identifier %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (*models.Certificate, error) {
	var (
		rawID, owner, approved string
		cert                   models.Certificate
	)
	if err := row.Scan(&rawID, &owner, &approved, &cert.IssuedAt); err != nil {
		return nil, err
	}
	id, err := domain.ParseIdentifier(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored identifier %q: %w", rawID, err)
	}
	cert.Identifier = id
	cert.Owner = domain.Principal(owner)
	cert.Approved = domain.Principal(approved)
	return &cert, nil
}
