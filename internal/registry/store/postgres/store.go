// Package postgres persists name records and registry settings in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"namereg/internal/registry/models"
	"namereg/pkg/domain"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

const (
	uniqueViolation = "23505"

	costKey = "cost"

	insertRecord = `INSERT INTO name_records (identifier, name, metadata_uri, created_at) VALUES ($1, $2, $3, $4)`
	selectByName = `SELECT identifier, name, metadata_uri, created_at FROM name_records WHERE name = $1`
	selectByID   = `SELECT identifier, name, metadata_uri, created_at FROM name_records WHERE identifier = $1`
	selectMany   = `SELECT identifier, name, metadata_uri, created_at FROM name_records WHERE identifier = ANY($1) ORDER BY name`
	deleteRecord = `DELETE FROM name_records WHERE identifier = $1`
	scanRecords  = `SELECT identifier, name, metadata_uri, created_at FROM name_records ORDER BY name`

	selectSetting = `SELECT value FROM registry_settings WHERE key = $1`
	upsertSetting = `
INSERT INTO registry_settings (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *models.NameRecord) error {
	_, err := tx.Executor(ctx, s.db).ExecContext(ctx, insertRecord,
		rec.Identifier.String(), rec.Name, rec.MetadataURI, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert name record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByName(ctx context.Context, name string) (*models.NameRecord, error) {
	return s.findOne(ctx, selectByName, name)
}

func (s *PostgresStore) FindByIdentifier(ctx context.Context, id domain.Identifier) (*models.NameRecord, error) {
	return s.findOne(ctx, selectByID, id.String())
}

func (s *PostgresStore) findOne(ctx context.Context, query string, arg string) (*models.NameRecord, error) {
	rec, err := scanRecord(tx.Executor(ctx, s.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find name record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindMany(ctx context.Context, ids []domain.Identifier) ([]*models.NameRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	return s.query(ctx, selectMany, pq.Array(raw))
}

func (s *PostgresStore) Delete(ctx context.Context, id domain.Identifier) error {
	res, err := tx.Executor(ctx, s.db).ExecContext(ctx, deleteRecord, id.String())
	if err != nil {
		return fmt.Errorf("delete name record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete name record: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context) ([]*models.NameRecord, error) {
	return s.query(ctx, scanRecords)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.NameRecord, error) {
	rows, err := tx.Executor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query name records: %w", err)
	}
	defer rows.Close()

	var out []*models.NameRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan name record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Cost(ctx context.Context) (domain.Quantity, error) {
	var v int64
	err := tx.Executor(ctx, s.db).QueryRowContext(ctx, selectSetting, costKey).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("read cost: %w", err)
	}
	return domain.Quantity(v), nil
}

func (s *PostgresStore) SetCost(ctx context.Context, cost domain.Quantity) error {
	if cost > math.MaxInt64 {
		return fmt.Errorf("cost %d exceeds storable range", cost)
	}
	if _, err := tx.Executor(ctx, s.db).ExecContext(ctx, upsertSetting, costKey, int64(cost)); err != nil {
		return fmt.Errorf("write cost: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.NameRecord, error) {
	var (
		rawID string
		rec   models.NameRecord
	)
	if err := row.Scan(&rawID, &rec.Name, &rec.MetadataURI, &rec.CreatedAt); err != nil {
		return nil, err
	}
	id, err := domain.ParseIdentifier(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored identifier %q: %w", rawID, err)
	}
	rec.Identifier = id
	return &rec, nil
}
