// Package redis keeps collateral token balances and allowances in Redis.
// Every transfer is a single Lua script, so a transfer either applies in full
// or not at all even with many service instances sharing the token.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"namereg/internal/token"
	"namereg/pkg/domain"
)

var transferDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "namereg_token_transfer_duration_ms",
	Help:    "Latency of Redis token transfers in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
}, []string{"direction"})

const (
	balanceKeyPrefix   = "namereg:token:balance:"
	allowanceKeyPrefix = "namereg:token:allowance:"
)

// Script results.
const (
	resultOK                    = 0
	resultInsufficientBalance   = 1
	resultInsufficientAllowance = 2
)

// transferScript moves ARGV[1] from KEYS[1] to KEYS[2]. When KEYS[3] is set
// the amount is also charged against that allowance.
var transferScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
if KEYS[3] then
  local allowance = tonumber(redis.call('GET', KEYS[3]) or '0')
  if allowance < amount then
    return 2
  end
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
if balance < amount then
  return 1
end
if KEYS[3] then
  redis.call('DECRBY', KEYS[3], amount)
end
redis.call('DECRBY', KEYS[1], amount)
redis.call('INCRBY', KEYS[2], amount)
return 0
`)

// Token is a token.Token bound to one account.
type Token struct {
	client *redis.Client
	self   domain.Principal
}

var _ token.Token = (*Token)(nil)

// New returns a token client acting as account.
func New(client *redis.Client, account domain.Principal) *Token {
	return &Token{client: client, self: account}
}

func balanceKey(p domain.Principal) string {
	return balanceKeyPrefix + p.String()
}

func allowanceKey(owner, spender domain.Principal) string {
	return allowanceKeyPrefix + owner.String() + ":" + spender.String()
}

func (t *Token) TransferIn(ctx context.Context, from, to domain.Principal, amount domain.Quantity) error {
	if from.IsNull() || to.IsNull() {
		return token.ErrInvalidAccount
	}
	keys := []string{balanceKey(from), balanceKey(to)}
	if from != t.self {
		keys = append(keys, allowanceKey(from, t.self))
	}
	return t.transfer(ctx, "in", keys, amount)
}

func (t *Token) TransferOut(ctx context.Context, to domain.Principal, amount domain.Quantity) error {
	if to.IsNull() {
		return token.ErrInvalidAccount
	}
	return t.transfer(ctx, "out", []string{balanceKey(t.self), balanceKey(to)}, amount)
}

func (t *Token) transfer(ctx context.Context, direction string, keys []string, amount domain.Quantity) error {
	start := time.Now()
	defer func() {
		transferDurationMs.WithLabelValues(direction).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	res, err := transferScript.Run(ctx, t.client, keys, strconv.FormatUint(uint64(amount), 10)).Int()
	if err != nil {
		return err
	}
	switch res {
	case resultOK:
		return nil
	case resultInsufficientBalance:
		return token.ErrInsufficientBalance
	case resultInsufficientAllowance:
		return token.ErrInsufficientAllowance
	default:
		return errors.New("unexpected transfer script result " + strconv.Itoa(res))
	}
}

func (t *Token) BalanceOf(ctx context.Context, account domain.Principal) (domain.Quantity, error) {
	return t.getQuantity(ctx, balanceKey(account))
}

func (t *Token) Allowance(ctx context.Context, owner, spender domain.Principal) (domain.Quantity, error) {
	return t.getQuantity(ctx, allowanceKey(owner, spender))
}

// Mint credits amount to account on top of whatever it already holds.
func (t *Token) Mint(ctx context.Context, account domain.Principal, amount domain.Quantity) error {
	if account.IsNull() {
		return token.ErrInvalidAccount
	}
	return t.client.IncrBy(ctx, balanceKey(account), int64(amount)).Err()
}

// Approve sets the amount spender may pull from owner.
func (t *Token) Approve(ctx context.Context, owner, spender domain.Principal, amount domain.Quantity) error {
	return t.client.Set(ctx, allowanceKey(owner, spender), strconv.FormatUint(uint64(amount), 10), 0).Err()
}

// Seed gives a fresh account amount and lets the bound account pull all of
// it. An account that already has a balance is left untouched, so seeding on
// every start does not mint twice. It reports whether account was seeded.
func (t *Token) Seed(ctx context.Context, account domain.Principal, amount domain.Quantity) (bool, error) {
	if account.IsNull() {
		return false, token.ErrInvalidAccount
	}
	created, err := t.client.SetNX(ctx, balanceKey(account), strconv.FormatUint(uint64(amount), 10), 0).Result()
	if err != nil || !created {
		return false, err
	}
	if err := t.Approve(ctx, account, t.self, amount); err != nil {
		return true, err
	}
	return true, nil
}

func (t *Token) getQuantity(ctx context.Context, key string) (domain.Quantity, error) {
	raw, err := t.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return domain.Quantity(n), nil
}
