package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"namereg/internal/escrow/models"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
)

var errAbort = errors.New("abort")

func TestStakeMutationsAreUndoneOnAbort(t *testing.T) {
	ctx := context.Background()
	store := New()
	id := domain.DeriveIdentifier("alice")

	err := tx.NewSharded().RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		require.NoError(t, store.InsertStake(ctx, &models.Stake{Identifier: id, Amount: 10, Depositor: "alice"}))
		require.NoError(t, store.CreditWithdrawal(ctx, "alice", 10))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = store.FindStake(ctx, id)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	pending, err := store.PendingWithdrawal(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCreditUndoDoesNotUnderflow(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := tx.NewSharded().RunInTx(ctx, []string{"withdrawal:alice"}, func(ctx context.Context) error {
		require.NoError(t, store.CreditWithdrawal(ctx, "alice", 1000))
		// Paid out by someone not holding the key.
		require.NoError(t, store.DebitWithdrawal(context.Background(), "alice", 1000))
		return errAbort
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeInconsistent, dErrors.CodeOf(err))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)

	pending, err := store.PendingWithdrawal(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, pending)
	withdrawals, err := store.ScanWithdrawals(ctx)
	require.NoError(t, err)
	assert.Empty(t, withdrawals)
}
