// Package memstore is an in-memory store.Store for tests and local runs.
// Transactions are serialized on one store-wide lock, so transactions of
// different pairs wait on each other; production deployments use pgstore.
// Writes are buffered in an overlay that is applied only on commit.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

var ErrClosed = errors.New("memstore: closed")

type balanceKey struct {
	user  string
	asset string
}

type state struct {
	balances    map[balanceKey]decimal.Decimal
	orders      map[string]*models.Order
	trades      []models.Trade
	users       map[string]*models.User
	payments    map[string]models.Payment
	withdrawals map[string]*models.Withdrawal
}

func newState() state {
	return state{
		balances:    make(map[balanceKey]decimal.Decimal),
		orders:      make(map[string]*models.Order),
		users:       make(map[string]*models.User),
		payments:    make(map[string]models.Payment),
		withdrawals: make(map[string]*models.Withdrawal),
	}
}

type Store struct {
	mu     sync.Mutex
	base   state
	closed bool
}

func New() *Store {
	return &Store{base: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx := &memTx{base: &s.base, w: newState()}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// AllBalances lists every balance row, for audits and tests.
func (s *Store) AllBalances() []models.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Balance, 0, len(s.base.balances))
	for k, v := range s.base.balances {
		out = append(out, models.Balance{UserID: k.user, Asset: k.asset, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// memTx reads through its write overlay w into base.
type memTx struct {
	base *state
	w    state
}

func (tx *memTx) commit() {
	for k, v := range tx.w.balances {
		tx.base.balances[k] = v
	}
	for id, o := range tx.w.orders {
		tx.base.orders[id] = o
	}
	tx.base.trades = append(tx.base.trades, tx.w.trades...)
	for id, u := range tx.w.users {
		tx.base.users[id] = u
	}
	for id, p := range tx.w.payments {
		tx.base.payments[id] = p
	}
	for id, w := range tx.w.withdrawals {
		tx.base.withdrawals[id] = w
	}
}

func (tx *memTx) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	k := balanceKey{userID, asset}
	if v, ok := tx.w.balances[k]; ok {
		return v, nil
	}
	return tx.base.balances[k], nil
}

func (tx *memTx) ReadBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	return tx.Balance(ctx, userID, asset)
}

func (tx *memTx) SetBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	tx.w.balances[balanceKey{userID, asset}] = amount
	return nil
}

func (tx *memTx) Balances(ctx context.Context, userID string) ([]models.Balance, error) {
	merged := make(map[string]decimal.Decimal)
	for k, v := range tx.base.balances {
		if k.user == userID {
			merged[k.asset] = v
		}
	}
	for k, v := range tx.w.balances {
		if k.user == userID {
			merged[k.asset] = v
		}
	}
	out := make([]models.Balance, 0, len(merged))
	for asset, amt := range merged {
		out = append(out, models.Balance{UserID: userID, Asset: asset, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (tx *memTx) lookupOrder(id string) (*models.Order, bool) {
	if o, ok := tx.w.orders[id]; ok {
		return o, true
	}
	o, ok := tx.base.orders[id]
	return o, ok
}

func (tx *memTx) InsertOrder(ctx context.Context, o *models.Order) error {
	if _, exists := tx.lookupOrder(o.ID); exists {
		return fmt.Errorf("memstore: order %s already exists", o.ID)
	}
	tx.w.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memTx) Order(ctx context.Context, id string) (*models.Order, error) {
	o, ok := tx.lookupOrder(id)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "order %s not found", id)
	}
	return o.Clone(), nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	if _, ok := tx.lookupOrder(o.ID); !ok {
		return apperr.New(apperr.KindNotFound, "order %s not found", o.ID)
	}
	tx.w.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memTx) eachOrder(fn func(o *models.Order)) {
	for id, o := range tx.base.orders {
		if _, shadowed := tx.w.orders[id]; !shadowed {
			fn(o)
		}
	}
	for _, o := range tx.w.orders {
		fn(o)
	}
}

func (tx *memTx) OpenOrders(ctx context.Context, pair string, side models.Side) ([]*models.Order, error) {
	var out []*models.Order
	tx.eachOrder(func(o *models.Order) {
		if o.Pair == pair && o.Side == side && o.Resting() {
			out = append(out, o.Clone())
		}
	})
	store.SortByPriority(out, side)
	return out, nil
}

func (tx *memTx) MaxOrderSeq(ctx context.Context) (int64, error) {
	var highest int64
	tx.eachOrder(func(o *models.Order) {
		if o.Seq > highest {
			highest = o.Seq
		}
	})
	return highest, nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *models.Trade) error {
	tx.w.trades = append(tx.w.trades, *t)
	return nil
}

func (tx *memTx) RecentTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	var out []models.Trade
	collect := func(trades []models.Trade) bool {
		for i := len(trades) - 1; i >= 0; i-- {
			if limit > 0 && len(out) >= limit {
				return false
			}
			if trades[i].Pair == pair {
				out = append(out, trades[i])
			}
		}
		return true
	}
	if collect(tx.w.trades) {
		collect(tx.base.trades)
	}
	return out, nil
}

func (tx *memTx) lookupUser(id string) (*models.User, bool) {
	if u, ok := tx.w.users[id]; ok {
		return u, true
	}
	u, ok := tx.base.users[id]
	return u, ok
}

func (tx *memTx) UpsertUser(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	next := *u
	if cur, ok := tx.lookupUser(u.ID); ok {
		next.AcceptedTerms = cur.AcceptedTerms || u.AcceptedTerms
		next.CreatedAt = cur.CreatedAt
	} else {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	tx.w.users[u.ID] = &next
	return nil
}

func (tx *memTx) User(ctx context.Context, id string) (*models.User, error) {
	u, ok := tx.lookupUser(id)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	c := *u
	return &c, nil
}

func (tx *memTx) SetAcceptedTerms(ctx context.Context, id string) error {
	u, ok := tx.lookupUser(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	c := *u
	c.AcceptedTerms = true
	c.UpdatedAt = time.Now().UTC()
	tx.w.users[id] = &c
	return nil
}

func (tx *memTx) InsertPayment(ctx context.Context, p *models.Payment) (bool, error) {
	if _, ok := tx.w.payments[p.ID]; ok {
		return false, nil
	}
	if _, ok := tx.base.payments[p.ID]; ok {
		return false, nil
	}
	tx.w.payments[p.ID] = *p
	return true, nil
}

func (tx *memTx) lookupWithdrawal(id string) (*models.Withdrawal, bool) {
	if w, ok := tx.w.withdrawals[id]; ok {
		return w, true
	}
	w, ok := tx.base.withdrawals[id]
	return w, ok
}

func (tx *memTx) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	if _, exists := tx.lookupWithdrawal(w.ID); exists {
		return fmt.Errorf("memstore: withdrawal %s already exists", w.ID)
	}
	c := *w
	tx.w.withdrawals[w.ID] = &c
	return nil
}

func (tx *memTx) Withdrawal(ctx context.Context, id string) (*models.Withdrawal, error) {
	w, ok := tx.lookupWithdrawal(id)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "withdrawal %s not found", id)
	}
	c := *w
	return &c, nil
}

func (tx *memTx) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	if _, ok := tx.lookupWithdrawal(w.ID); !ok {
		return apperr.New(apperr.KindNotFound, "withdrawal %s not found", w.ID)
	}
	c := *w
	tx.w.withdrawals[w.ID] = &c
	return nil
}

func (tx *memTx) Withdrawals(ctx context.Context, limit int) ([]models.Withdrawal, error) {
	var out []models.Withdrawal
	seen := make(map[string]bool)
	for id, w := range tx.w.withdrawals {
		seen[id] = true
		out = append(out, *w)
	}
	for id, w := range tx.base.withdrawals {
		if !seen[id] {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
