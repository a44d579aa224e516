// Package ledger owns per-(user, asset) balances. Every mutation is a signed
// delta that may never drive a balance below zero.
//
// The package-level functions operate inside a caller's store.Tx so the
// matching engine can bundle several deltas into one settlement; the Ledger
// methods open their own transaction.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

// ApplyDelta adds delta to the balance and returns the new amount. Nothing is
// written when the result would be negative.
func ApplyDelta(ctx context.Context, tx store.Tx, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	if userID == "" || asset == "" {
		return decimal.Zero, apperr.New(apperr.KindInvalidArgument, "user and asset are required")
	}
	bal, err := tx.Balance(ctx, userID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	next := bal.Add(delta)
	if next.IsNegative() {
		return bal, apperr.New(apperr.KindInsufficientFunds,
			"%s has %s %s, needs %s", userID, bal, asset, delta.Neg())
	}
	if delta.IsZero() {
		return bal, nil
	}
	if err := tx.SetBalance(ctx, userID, asset, next); err != nil {
		return bal, err
	}
	return next, nil
}

// Reserve debits amount from the spendable balance.
func Reserve(ctx context.Context, tx store.Tx, userID, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.New(apperr.KindInvalidArgument, "reserve amount must not be negative")
	}
	_, err := ApplyDelta(ctx, tx, userID, asset, amount.Neg())
	return err
}

// Release returns previously reserved funds to the spendable balance.
func Release(ctx context.Context, tx store.Tx, userID, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.New(apperr.KindInvalidArgument, "release amount must not be negative")
	}
	_, err := ApplyDelta(ctx, tx, userID, asset, amount)
	return err
}

type Ledger struct {
	st     store.Store
	log    *zap.Logger
	assets map[string]bool
}

// New returns a Ledger over st. When assets is non-empty, deposits and
// withdrawals of any other asset are rejected.
func New(st store.Store, log *zap.Logger, assets ...string) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{st: st, log: log.Named("ledger"), assets: make(map[string]bool)}
	for _, a := range assets {
		l.assets[a] = true
	}
	return l
}

func (l *Ledger) checkAsset(asset string) error {
	if asset == "" {
		return apperr.New(apperr.KindInvalidArgument, "asset is required")
	}
	if len(l.assets) > 0 && !l.assets[asset] {
		return apperr.New(apperr.KindInvalidArgument, "unknown asset %s", asset)
	}
	return nil
}

func (l *Ledger) GetBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		bal, err = tx.ReadBalance(ctx, userID, asset)
		return err
	})
	return bal, err
}

func (l *Ledger) Balances(ctx context.Context, userID string) ([]models.Balance, error) {
	var out []models.Balance
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Balances(ctx, userID)
		return err
	})
	return out, err
}

func (l *Ledger) ApplyDelta(ctx context.Context, userID, asset string, delta decimal.Decimal) error {
	return l.st.WithTx(ctx, func(tx store.Tx) error {
		_, err := ApplyDelta(ctx, tx, userID, asset, delta)
		return err
	})
}

func (l *Ledger) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	return l.st.WithTx(ctx, func(tx store.Tx) error {
		return Reserve(ctx, tx, userID, asset, amount)
	})
}

func (l *Ledger) Release(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	return l.st.WithTx(ctx, func(tx store.Tx) error {
		return Release(ctx, tx, userID, asset, amount)
	})
}

// CreditDeposit credits a confirmed external payment once per paymentID. It
// reports false, without error, for a replayed confirmation.
func (l *Ledger) CreditDeposit(ctx context.Context, paymentID, userID, asset string, amount decimal.Decimal) (bool, error) {
	if paymentID == "" || userID == "" {
		return false, apperr.New(apperr.KindInvalidArgument, "payment id and user are required")
	}
	if err := l.checkAsset(asset); err != nil {
		return false, err
	}
	if !amount.IsPositive() {
		return false, apperr.New(apperr.KindInvalidArgument, "deposit amount must be positive")
	}

	var credited bool
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		inserted, err := tx.InsertPayment(ctx, &models.Payment{
			ID: paymentID, UserID: userID, Asset: asset, Amount: amount,
		})
		if err != nil || !inserted {
			return err
		}
		if _, err := ApplyDelta(ctx, tx, userID, asset, amount); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if credited {
		l.log.Info("deposit credited",
			zap.String("payment_id", paymentID), zap.String("user", userID),
			zap.String("asset", asset), zap.String("amount", amount.String()))
	} else {
		l.log.Info("deposit replay ignored", zap.String("payment_id", paymentID))
	}
	return credited, nil
}
