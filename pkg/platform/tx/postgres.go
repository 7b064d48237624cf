package tx

import (
	"context"
	"database/sql"
	"hash/fnv"
	"slices"
	"time"

	dErrors "namereg/pkg/domain-errors"
)

// PostgresRunner backs executions with one SQL transaction. Store mutations
// are undone by the database; the journal only carries compensations for
// external effects. Keys map to transaction-scoped advisory locks and nested
// frames to savepoints.
type PostgresRunner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgres(db *sql.DB, opts ...Option) *PostgresRunner {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresRunner{db: db, timeout: o.timeout}
}

func (r *PostgresRunner) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	if e, ok := From(ctx); ok && e.sqlTx != nil {
		return r.runSavepoint(ctx, e, keys, fn)
	}

	ctx, cancel := withDefaultTimeout(ctx, r.timeout)
	defer cancel()

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin transaction")
	}
	e := newExecution()
	e.sqlTx = sqlTx

	if err := lockKeys(ctx, e, keys); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := runFrame(attach(ctx, e), e, r.timeout, fn); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		uctx, cancelUndo := detachedContext(ctx, r.timeout)
		defer cancelUndo()
		return aborted(dErrors.Wrap(err, dErrors.CodeInternal, "commit transaction"), e.rollbackTo(uctx, frame{}))
	}
	runAfterCommit(ctx, e, r.timeout)
	return nil
}

func (r *PostgresRunner) runSavepoint(ctx context.Context, e *Execution, keys []string, fn func(ctx context.Context) error) error {
	name := e.nextFrameName()
	if _, err := e.sqlTx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "create savepoint")
	}
	if err := lockKeys(ctx, e, keys); err != nil {
		_, _ = e.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
		return err
	}
	if err := runFrame(ctx, e, r.timeout, fn); err != nil {
		if _, rbErr := e.sqlTx.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return aborted(err, rbErr)
		}
		return err
	}
	if _, err := e.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "release savepoint")
	}
	return nil
}

// lockKeys takes pg_advisory_xact_lock for each key not yet held, in a stable
// order so concurrent executions cannot deadlock on each other.
func lockKeys(ctx context.Context, e *Execution, keys []string) error {
	var pending []string
	e.mu.Lock()
	for _, key := range keys {
		if _, ok := e.held[key]; !ok {
			pending = append(pending, key)
		}
	}
	e.mu.Unlock()
	slices.Sort(pending)

	for _, key := range slices.Compact(pending) {
		if _, err := e.sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(key)); err != nil {
			if ctx.Err() != nil {
				return dErrors.Wrap(err, dErrors.CodeTimeout, "timed out waiting for key lock")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "acquire key lock")
		}
		e.mu.Lock()
		e.held[key] = struct{}{}
		e.mu.Unlock()
	}
	return nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor returns the transaction of the execution in ctx, or db when ctx
// carries none.
func Executor(ctx context.Context, db *sql.DB) DBTX {
	if sqlTx, ok := SQL(ctx); ok {
		return sqlTx
	}
	return db
}
