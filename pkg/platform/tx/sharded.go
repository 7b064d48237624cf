package tx

import (
	"context"
	"slices"
	"time"

	dErrors "namereg/pkg/domain-errors"
)

// numShards spreads keys over independent locks. Operations on different keys
// only contend when their keys share a shard.
const numShards = 256

// ShardedRunner serializes executions per key with in-process locks. It backs
// the in-memory stores, whose mutations are undone from the journal.
type ShardedRunner struct {
	shards  [numShards]chan struct{}
	timeout time.Duration
}

// Option configures a runner.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout overrides the default execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func NewSharded(opts ...Option) *ShardedRunner {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	r := &ShardedRunner{timeout: o.timeout}
	for i := range r.shards {
		r.shards[i] = make(chan struct{}, 1)
	}
	return r
}

func (r *ShardedRunner) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	if e, ok := From(ctx); ok {
		if err := r.acquire(ctx, e, keys); err != nil {
			return err
		}
		return runFrame(ctx, e, r.timeout, fn)
	}

	ctx, cancel := withDefaultTimeout(ctx, r.timeout)
	defer cancel()

	e := newExecution()
	err := r.acquire(ctx, e, keys)
	if err == nil {
		err = runFrame(attach(ctx, e), e, r.timeout, fn)
	}
	r.release(e)
	if err != nil {
		return err
	}
	runAfterCommit(ctx, e, r.timeout)
	return nil
}

// acquire takes the shard locks for keys that e does not hold yet, in
// ascending shard order.
func (r *ShardedRunner) acquire(ctx context.Context, e *Execution, keys []string) error {
	var needed []int
	e.mu.Lock()
	for _, key := range keys {
		e.held[key] = struct{}{}
		shard := int(hashKey(key) % numShards)
		if _, ok := e.shards[shard]; ok || slices.Contains(needed, shard) {
			continue
		}
		needed = append(needed, shard)
	}
	e.mu.Unlock()
	slices.Sort(needed)

	for _, shard := range needed {
		select {
		case r.shards[shard] <- struct{}{}:
			e.mu.Lock()
			e.shards[shard] = struct{}{}
			e.mu.Unlock()
		case <-ctx.Done():
			return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "timed out waiting for key lock")
		}
	}
	return nil
}

func (r *ShardedRunner) release(e *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for shard := range e.shards {
		<-r.shards[shard]
		delete(e.shards, shard)
	}
}

// hashKey is FNV-1a over the key bytes.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
