package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/ledger"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/orders"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

type MatchResult struct {
	Trades []models.Trade
	// Touched holds the committed state of every order that took a fill.
	Touched map[string]*models.Order
	// Halted lists orders implicated in a failed settlement during this pass.
	Halted []string
}

// Matcher crosses the resting orders of one pair. It is not safe for
// concurrent use; the pair worker is its only caller.
type Matcher struct {
	pair       models.Pair
	st         store.Store
	fees       FeeSchedule
	feeAccount string
	log        *zap.Logger

	// halted orders are skipped until resumed or canceled; the halt is also
	// stored on the order row
	halted map[string]string
}

func NewMatcher(pair models.Pair, st store.Store, fees FeeSchedule, feeAccount string, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{
		pair:       pair,
		st:         st,
		fees:       fees,
		feeAccount: feeAccount,
		log:        log,
		halted:     make(map[string]string),
	}
}

// settleError names the order a failed settlement is blamed on.
type settleError struct {
	orderID string
	err     error
}

func (e *settleError) Error() string { return fmt.Sprintf("order %s: %v", e.orderID, e.err) }
func (e *settleError) Unwrap() error { return e.err }

func implicate(orderID string, err error) error {
	if err == nil {
		return nil
	}
	return &settleError{orderID: orderID, err: err}
}

// haltable reports whether err means the order state is inconsistent, as
// opposed to the store being unreachable.
func haltable(err error) bool {
	return apperr.Is(err, apperr.KindInsufficientFunds) || errors.Is(err, orders.ErrInvalidFill)
}

// Run performs one matching pass: every bid in priority order is walked
// against every ask in priority order while the two cross. Each fill is
// settled in its own transaction; in-memory copies are advanced only after
// that transaction commits.
func (m *Matcher) Run(ctx context.Context) (*MatchResult, error) {
	res := &MatchResult{Touched: make(map[string]*models.Order)}

	var bids, asks []*models.Order
	err := m.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if bids, err = orders.OpenOrders(ctx, tx, m.pair.Symbol, models.SideBuy); err != nil {
			return err
		}
		asks, err = orders.OpenOrders(ctx, tx, m.pair.Symbol, models.SideSell)
		return err
	})
	if err != nil {
		return res, err
	}

	for _, bid := range bids {
		if m.isHalted(bid) {
			continue
		}
		for _, ask := range asks {
			if !bid.Resting() || m.isHalted(bid) {
				break
			}
			if !ask.Resting() || m.isHalted(ask) {
				continue
			}
			// asks ascend, so nothing further can cross this bid
			if bid.Price.LessThan(ask.Price) {
				break
			}
			if bid.UserID == ask.UserID {
				continue
			}
			qty := decimal.Min(bid.Remaining(), ask.Remaining())
			if !qty.IsPositive() {
				continue
			}

			trade, bidAfter, askAfter, err := m.settle(ctx, bid, ask, qty)
			if err != nil {
				var se *settleError
				if errors.As(err, &se) && haltable(err) {
					m.halt(ctx, se.orderID, err, bid, ask)
					res.Halted = append(res.Halted, se.orderID)
					continue
				}
				return res, err
			}
			*bid, *ask = *bidAfter, *askAfter
			res.Touched[bid.ID] = bid.Clone()
			res.Touched[ask.ID] = ask.Clone()
			res.Trades = append(res.Trades, *trade)
		}
	}
	return res, nil
}

// settle applies one fill: both order updates, the balance deltas and the
// trade row, in a single transaction. The buyer's notional and fee come out
// of the bid's reservation, which was sized by FeeSchedule.BuyReserve.
func (m *Matcher) settle(ctx context.Context, bid, ask *models.Order, qty decimal.Decimal) (*models.Trade, *models.Order, *models.Order, error) {
	price := ask.Price
	notional := price.Mul(qty)
	bidRole, askRole := roles(bid, ask)
	buyerFee := m.fees.Fee(bidRole, notional)
	sellerFee := m.fees.Fee(askRole, notional)

	maker, taker := bid, ask
	if bidRole == models.RoleTaker {
		maker, taker = ask, bid
	}
	now := time.Now().UTC()
	trade := &models.Trade{
		ID:           uuid.NewString(),
		Pair:         m.pair.Symbol,
		Price:        price,
		Quantity:     qty,
		BuyOrderID:   bid.ID,
		SellOrderID:  ask.ID,
		BuyerID:      bid.UserID,
		SellerID:     ask.UserID,
		MakerSide:    maker.Side,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		BuyerFee:     buyerFee,
		SellerFee:    sellerFee,
		Fee:          buyerFee.Add(sellerFee),
		CreatedAt:    now,
	}

	var bidAfter, askAfter *models.Order
	err := m.st.WithTx(ctx, func(tx store.Tx) error {
		bidRes, err := orders.ApplyFill(ctx, tx, bid.ID, orders.Fill{Quantity: qty, ReserveUsed: notional.Add(buyerFee)})
		if err != nil {
			return implicate(bid.ID, err)
		}
		askRes, err := orders.ApplyFill(ctx, tx, ask.ID, orders.Fill{Quantity: qty, ReserveUsed: qty})
		if err != nil {
			return implicate(ask.ID, err)
		}
		if _, err := ledger.ApplyDelta(ctx, tx, ask.UserID, m.pair.Quote, notional.Sub(sellerFee)); err != nil {
			return err
		}
		if _, err := ledger.ApplyDelta(ctx, tx, bid.UserID, m.pair.Base, qty); err != nil {
			return err
		}
		if _, err := ledger.ApplyDelta(ctx, tx, m.feeAccount, m.pair.Quote, trade.Fee); err != nil {
			return err
		}
		if err := ledger.Release(ctx, tx, bid.UserID, m.pair.Quote, bidRes.Released); err != nil {
			return err
		}
		if err := ledger.Release(ctx, tx, ask.UserID, m.pair.Base, askRes.Released); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		bidAfter, askAfter = bidRes.Order, askRes.Order
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return trade, bidAfter, askAfter, nil
}

func (m *Matcher) isHalted(o *models.Order) bool {
	_, ok := m.halted[o.ID]
	return ok || o.Halted()
}

func (m *Matcher) heldInMemory(id string) bool {
	_, ok := m.halted[id]
	return ok
}

// restore picks up a halt stored on an order row.
func (m *Matcher) restore(o *models.Order) {
	if o.Halted() {
		m.halted[o.ID] = o.HaltReason
	}
}

func (m *Matcher) halt(ctx context.Context, id string, err error, bid, ask *models.Order) {
	reason := apperr.Public(err).Error()
	m.halted[id] = reason
	perr := m.st.WithTx(ctx, func(tx store.Tx) error {
		_, err := orders.Halt(ctx, tx, id, reason)
		return err
	})
	if perr != nil {
		m.log.Error("could not store halt", zap.String("order", id), zap.Error(perr))
	}
	m.log.Error("settlement failed, order halted",
		zap.String("pair", m.pair.Symbol),
		zap.String("halted_order", id),
		zap.String("bid", bid.ID),
		zap.String("ask", ask.ID),
		zap.String("kind", string(apperr.KindOf(err))),
		zap.Error(err),
	)
}

// Forget drops the in-memory halt of an order that was resumed or left the book.
func (m *Matcher) Forget(id string) {
	delete(m.halted, id)
}

type HaltedOrder struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (m *Matcher) Halted() []HaltedOrder {
	out := make([]HaltedOrder, 0, len(m.halted))
	for id, reason := range m.halted {
		out = append(out, HaltedOrder{OrderID: id, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}
