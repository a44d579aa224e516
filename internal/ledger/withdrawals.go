package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

// withdrawalTransitions lists the decisions allowed from each status.
var withdrawalTransitions = map[models.WithdrawalStatus][]models.WithdrawalStatus{
	models.WithdrawalPending:  {models.WithdrawalApproved, models.WithdrawalSent, models.WithdrawalRejected},
	models.WithdrawalApproved: {models.WithdrawalSent, models.WithdrawalRejected},
}

func canTransition(from, to models.WithdrawalStatus) bool {
	for _, s := range withdrawalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RequestWithdrawal debits amount immediately and records a PENDING request.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID, asset string, amount decimal.Decimal, address string) (*models.Withdrawal, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "user is required")
	}
	if err := l.checkAsset(asset); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.KindInvalidArgument, "withdrawal amount must be positive")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "address is required")
	}

	now := time.Now().UTC()
	w := &models.Withdrawal{
		ID:        uuid.NewString(),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Address:   address,
		Status:    models.WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		if err := Reserve(ctx, tx, userID, asset, amount); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("withdrawal requested",
		zap.String("id", w.ID), zap.String("user", userID),
		zap.String("asset", asset), zap.String("amount", amount.String()))
	return w, nil
}

// DecideWithdrawal records an operator decision. REJECTED returns the funds;
// APPROVED and SENT leave balances untouched.
func (l *Ledger) DecideWithdrawal(ctx context.Context, id string, status models.WithdrawalStatus, note string) (*models.Withdrawal, error) {
	var out *models.Withdrawal
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.Withdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return apperr.New(apperr.KindInvalidState, "withdrawal %s is already %s", id, w.Status)
		}
		if !canTransition(w.Status, status) {
			return apperr.New(apperr.KindInvalidArgument, "cannot move withdrawal from %s to %s", w.Status, status)
		}
		if status == models.WithdrawalRejected {
			if err := Release(ctx, tx, w.UserID, w.Asset, w.Amount); err != nil {
				return err
			}
		}
		w.Status = status
		w.Note = note
		w.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("withdrawal decided", zap.String("id", id), zap.String("status", string(status)))
	return out, nil
}

func (l *Ledger) ListWithdrawals(ctx context.Context, limit int) ([]models.Withdrawal, error) {
	var out []models.Withdrawal
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Withdrawals(ctx, limit)
		return err
	})
	return out, err
}
