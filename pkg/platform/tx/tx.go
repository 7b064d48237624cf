// Package tx runs each public registry operation as one all-or-nothing
// execution.
//
// An Execution travels in the context. Stores journal an undo step for every
// mutation they make and services journal compensations for external effects
// (token pulls). If the operation fails, the journal is replayed in reverse so
// no partial state survives; if it succeeds, AfterCommit hooks (event
// publication, deferred payouts) run once the locks are released.
//
// Reentrancy: a third-party token receives the execution's context. A call
// back into the system that carries that context joins the running execution
// as a nested frame and observes its in-progress state. Keys that are Sealed
// while an external transfer is in flight reject nested mutation with
// CodeConflict. A call made with an unrelated context waits for the key lock
// and fails with CodeTimeout at the execution deadline rather than
// deadlocking.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	dErrors "namereg/pkg/domain-errors"
)

// defaultTimeout bounds an execution, including time spent waiting on locks.
const defaultTimeout = 5 * time.Second

// Runner executes fn atomically while holding exclusive locks on keys.
type Runner interface {
	RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

type ctxKey struct{}

var execKey = ctxKey{}

// Execution is the state of one running operation.
type Execution struct {
	mu      sync.Mutex
	journal []undoEntry
	after   []func(ctx context.Context)
	sealed  map[string]int
	held    map[string]struct{}
	shards  map[int]struct{}
	sqlTx   *sql.Tx
	frames  int
}

type undoEntry struct {
	label string
	fn    func(ctx context.Context) error
}

type frame struct {
	journal int
	after   int
}

func newExecution() *Execution {
	return &Execution{
		sealed: make(map[string]int),
		held:   make(map[string]struct{}),
		shards: make(map[int]struct{}),
	}
}

// From returns the execution running in ctx, if any.
func From(ctx context.Context) (*Execution, bool) {
	e, ok := ctx.Value(execKey).(*Execution)
	return e, ok && e != nil
}

// Detach returns a context that no longer carries an execution. Work started
// from it takes its own locks.
func Detach(ctx context.Context) context.Context {
	if _, ok := From(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, execKey, (*Execution)(nil))
}

func attach(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, execKey, e)
}

// SQL returns the database transaction backing the execution in ctx.
func SQL(ctx context.Context) (*sql.Tx, bool) {
	e, ok := From(ctx)
	if !ok || e.sqlTx == nil {
		return nil, false
	}
	return e.sqlTx, true
}

// OnRollback journals an undo step. Outside an execution it is a no-op.
func OnRollback(ctx context.Context, label string, fn func(ctx context.Context) error) {
	e, ok := From(ctx)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal = append(e.journal, undoEntry{label: label, fn: fn})
}

// AfterCommit schedules fn to run after the outermost execution commits.
// Hooks registered by a frame that is later rolled back are discarded.
// Outside an execution fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	e, ok := From(ctx)
	if !ok {
		fn(ctx)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.after = append(e.after, fn)
}

// Seal marks key as being in the middle of an external call. The returned
// func lifts the seal.
func Seal(ctx context.Context, key string) func() {
	e, ok := From(ctx)
	if !ok {
		return func() {}
	}
	e.mu.Lock()
	e.sealed[key]++
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.sealed[key] <= 1 {
			delete(e.sealed, key)
			return
		}
		e.sealed[key]--
	}
}

// Guard fails when key is sealed, i.e. when the caller is a reentrant call
// made from inside an external transfer that touches the same key.
func Guard(ctx context.Context, key string) error {
	e, ok := From(ctx)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed[key] > 0 {
		return dErrors.New(dErrors.CodeConflict, "key is locked by an in-flight transfer")
	}
	return nil
}

// Holds reports whether the execution holds the lock for key.
func (e *Execution) Holds(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[key]
	return ok
}

func (e *Execution) mark() frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return frame{journal: len(e.journal), after: len(e.after)}
}

// rollbackTo replays, newest first, every undo step journaled since f and
// drops the hooks scheduled since f.
func (e *Execution) rollbackTo(ctx context.Context, f frame) error {
	e.mu.Lock()
	entries := append([]undoEntry(nil), e.journal[f.journal:]...)
	e.journal = e.journal[:f.journal]
	e.after = e.after[:f.after]
	e.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", entries[i].label, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Execution) takeAfter() []func(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hooks := e.after
	e.after = nil
	e.journal = nil
	return hooks
}

func (e *Execution) nextFrameName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	return fmt.Sprintf("frame_%d", e.frames)
}

// withDefaultTimeout applies timeout unless ctx already has a deadline.
func withDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// detachedContext is used for undo steps and after-commit hooks: they must run
// even if the operation's context was cancelled, and must not rejoin it.
func detachedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(Detach(context.WithoutCancel(ctx)), timeout)
}

func aborted(cause, undoErr error) error {
	if undoErr == nil {
		return cause
	}
	return dErrors.Wrap(errors.Join(cause, undoErr), dErrors.CodeInconsistent, "rollback incomplete")
}

func cancelled(err error) error {
	return dErrors.Wrap(err, dErrors.CodeTimeout, "execution aborted: context cancelled")
}

// runFrame runs fn as a nested frame of e and rolls back only that frame on
// failure.
func runFrame(ctx context.Context, e *Execution, timeout time.Duration, fn func(ctx context.Context) error) error {
	f := e.mark()
	if err := fn(ctx); err != nil {
		uctx, cancel := detachedContext(ctx, timeout)
		defer cancel()
		return aborted(err, e.rollbackTo(uctx, f))
	}
	return nil
}

func runAfterCommit(ctx context.Context, e *Execution, timeout time.Duration) {
	hooks := e.takeAfter()
	if len(hooks) == 0 {
		return
	}
	actx, cancel := detachedContext(ctx, timeout)
	defer cancel()
	for _, hook := range hooks {
		hook(actx)
	}
}
