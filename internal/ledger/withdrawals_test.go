package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

func TestWithdrawalReservesThenRejectRefunds(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.ApplyDelta(ctx, "alice", "PI", dec("10")))

	w, err := l.RequestWithdrawal(ctx, "alice", "PI", dec("4"), "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, w.Status)

	bal, _ := l.GetBalance(ctx, "alice", "PI")
	assert.True(t, bal.Equal(dec("6")))

	w, err = l.DecideWithdrawal(ctx, w.ID, models.WithdrawalRejected, "bad address")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, w.Status)
	assert.Equal(t, "bad address", w.Note)

	bal, _ = l.GetBalance(ctx, "alice", "PI")
	assert.True(t, bal.Equal(dec("10")))

	_, err = l.DecideWithdrawal(ctx, w.ID, models.WithdrawalSent, "")
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)
}

func TestWithdrawalApprovedThenSentKeepsFundsDebited(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.ApplyDelta(ctx, "alice", "USDX", dec("10")))

	w, err := l.RequestWithdrawal(ctx, "alice", "USDX", dec("10"), "wallet-1")
	require.NoError(t, err)

	_, err = l.DecideWithdrawal(ctx, w.ID, models.WithdrawalApproved, "")
	require.NoError(t, err)
	_, err = l.DecideWithdrawal(ctx, w.ID, models.WithdrawalApproved, "")
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument), "got %v", err)

	_, err = l.DecideWithdrawal(ctx, w.ID, models.WithdrawalSent, "tx 0xabc")
	require.NoError(t, err)

	bal, _ := l.GetBalance(ctx, "alice", "USDX")
	assert.True(t, bal.IsZero())

	_, err = l.DecideWithdrawal(ctx, w.ID, models.WithdrawalRejected, "")
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestWithdrawalRequiresFunds(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.RequestWithdrawal(ctx, "alice", "PI", dec("1"), "wallet-1")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))

	list, err := l.ListWithdrawals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = l.DecideWithdrawal(ctx, "missing", models.WithdrawalSent, "")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
