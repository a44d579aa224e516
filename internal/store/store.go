// Package store defines the persistence contract shared by the ledger, the
// order store and the matching engine. Every mutation happens inside a Tx and
// becomes visible only when WithTx returns nil.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

type Store interface {
	// WithTx runs fn in one atomic transaction. If fn returns an error (or
	// panics) nothing it wrote is applied.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	// Balance returns zero for an unseen (user, asset). The balance is held
	// for the rest of the transaction; call it before writing the row.
	Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error)
	// ReadBalance is Balance without the hold or any write, for read-only callers.
	ReadBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error
	Balances(ctx context.Context, userID string) ([]models.Balance, error)

	InsertOrder(ctx context.Context, o *models.Order) error
	// Order fails with apperr.KindNotFound for an unknown id.
	Order(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	// OpenOrders returns OPEN orders with remaining > 0 in priority order:
	// BUY price desc, SELL price asc, then Seq asc.
	OpenOrders(ctx context.Context, pair string, side models.Side) ([]*models.Order, error)
	MaxOrderSeq(ctx context.Context) (int64, error)

	InsertTrade(ctx context.Context, t *models.Trade) error
	// RecentTrades returns the newest trades of a pair first.
	RecentTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error)

	// UpsertUser creates the user or refreshes its username; AcceptedTerms is preserved.
	UpsertUser(ctx context.Context, u *models.User) error
	User(ctx context.Context, id string) (*models.User, error)
	SetAcceptedTerms(ctx context.Context, id string) error

	// InsertPayment returns false when the payment id was already recorded.
	InsertPayment(ctx context.Context, p *models.Payment) (bool, error)

	InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error
	Withdrawal(ctx context.Context, id string) (*models.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	Withdrawals(ctx context.Context, limit int) ([]models.Withdrawal, error)
}
