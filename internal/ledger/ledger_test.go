package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
	"github.com/hakimelghazi/exchange-ledger/internal/store/memstore"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T) (*Ledger, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return New(st, nil, "USDX", "PI"), st
}

func TestUnseenBalanceIsZero(t *testing.T) {
	l, st := newLedger(t)
	bal, err := l.GetBalance(context.Background(), "nobody", "PI")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.Empty(t, st.AllBalances(), "a read must not create a balance row")
}

func TestApplyDeltaRejectsNegativeResult(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.ApplyDelta(ctx, "alice", "PI", dec("10")))

	err := l.ApplyDelta(ctx, "alice", "PI", dec("-10.00000001"))
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds), "got %v", err)

	bal, err := l.GetBalance(ctx, "alice", "PI")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))

	require.NoError(t, l.ApplyDelta(ctx, "alice", "PI", dec("-10")))
	bal, err = l.GetBalance(ctx, "alice", "PI")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.ApplyDelta(ctx, "alice", "PI", dec("100")))

	require.NoError(t, l.Reserve(ctx, "alice", "PI", dec("50")))
	err := l.Reserve(ctx, "alice", "PI", dec("51"))
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	require.NoError(t, l.Release(ctx, "alice", "PI", dec("20")))

	bal, err := l.GetBalance(ctx, "alice", "PI")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("70")))

	err = l.Reserve(ctx, "alice", "PI", dec("-1"))
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestFailedDeltaInsideTxRollsBackEarlierDeltas(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	require.NoError(t, l.ApplyDelta(ctx, "alice", "PI", dec("5")))

	err := st.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ApplyDelta(ctx, tx, "bob", "PI", dec("5")); err != nil {
			return err
		}
		_, err := ApplyDelta(ctx, tx, "alice", "PI", dec("-6"))
		return err
	})
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds))

	bob, err := l.GetBalance(ctx, "bob", "PI")
	require.NoError(t, err)
	assert.True(t, bob.IsZero())
}

func TestCreditDepositIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	credited, err := l.CreditDeposit(ctx, "pay-1", "alice", "PI", dec("25"))
	require.NoError(t, err)
	assert.True(t, credited)

	credited, err = l.CreditDeposit(ctx, "pay-1", "alice", "PI", dec("25"))
	require.NoError(t, err)
	assert.False(t, credited)

	bal, err := l.GetBalance(ctx, "alice", "PI")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("25")))
}

func TestCreditDepositValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	cases := []struct {
		name, payment, user, asset, amount string
	}{
		{"missing payment", "", "alice", "PI", "1"},
		{"unknown asset", "p", "alice", "BTC", "1"},
		{"zero amount", "p", "alice", "PI", "0"},
		{"negative amount", "p", "alice", "PI", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.CreditDeposit(ctx, tc.payment, tc.user, tc.asset, dec(tc.amount))
			assert.True(t, apperr.Is(err, apperr.KindInvalidArgument), "got %v", err)
		})
	}
}

func TestBalancesListsEveryAsset(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.ApplyDelta(ctx, "alice", "USDX", dec("3")))
	require.NoError(t, l.ApplyDelta(ctx, "alice", "PI", dec("4")))

	got, err := l.Balances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "PI", got[0].Asset)
	assert.Equal(t, "USDX", got[1].Asset)
	assert.True(t, got[1].Amount.Equal(dec("3")))
}
