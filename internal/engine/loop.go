package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/ledger"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/orders"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
	"github.com/hakimelghazi/exchange-ledger/internal/users"
)

// pairWorker owns everything mutable about one pair. Commands are handled
// one at a time, so submissions, cancels and matching passes of a pair never
// overlap, while different pairs run on their own goroutines.
type pairWorker struct {
	pair    models.Pair
	st      store.Store
	book    *OrderBook
	matcher *Matcher
	cmds    chan Command
	done    chan struct{}
	log     *zap.Logger

	seq *atomic.Int64
	out chan<- models.Trade

	depth   int
	recentN int
	recent  []models.Trade // newest first

	snap atomic.Pointer[BookSnapshot]
}

func newPairWorker(pair models.Pair, st store.Store, cfg Config, seq *atomic.Int64, out chan<- models.Trade, log *zap.Logger) *pairWorker {
	log = log.With(zap.String("pair", pair.Symbol))
	w := &pairWorker{
		pair:    pair,
		st:      st,
		book:    NewOrderBook(),
		matcher: NewMatcher(pair, st, cfg.Fees, cfg.FeeAccount, log),
		cmds:    make(chan Command, cfg.CommandBuffer),
		done:    make(chan struct{}),
		log:     log,
		seq:     seq,
		out:     out,
		depth:   cfg.BookDepth,
		recentN: cfg.RecentTrades,
	}
	w.publishSnapshot()
	return w
}

// load rebuilds the depth book and trade history from the store.
func (w *pairWorker) load(ctx context.Context) error {
	err := w.st.WithTx(ctx, func(tx store.Tx) error {
		for _, side := range []models.Side{models.SideBuy, models.SideSell} {
			open, err := orders.OpenOrders(ctx, tx, w.pair.Symbol, side)
			if err != nil {
				return err
			}
			for _, o := range open {
				if o.Halted() {
					w.matcher.restore(o)
					continue
				}
				w.book.AddOrder(o)
			}
		}
		recent, err := tx.RecentTrades(ctx, w.pair.Symbol, w.recentN)
		w.recent = recent
		return err
	})
	if err != nil {
		return err
	}
	w.publishSnapshot()
	w.log.Info("book loaded", zap.Int("resting_orders", w.book.Len()), zap.Int("recent_trades", len(w.recent)))
	return nil
}

func (w *pairWorker) Run(ctx context.Context) error {
	defer close(w.done)

	for {
		select {
		case cmd := <-w.cmds:
			res := w.handle(ctx, cmd)
			w.publishSnapshot()
			cmd.Resp <- res

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *pairWorker) handle(ctx context.Context, cmd Command) Result {
	switch cmd.Type {
	case CmdPlace:
		return w.place(ctx, cmd.Order)
	case CmdCancel:
		return w.cancel(ctx, cmd.OrderID, cmd.UserID)
	case CmdRematch:
		res, err := w.match(ctx)
		return Result{Trades: res.Trades, Err: err}
	case CmdResume:
		return w.resume(ctx, cmd.OrderID)
	default:
		return Result{Err: apperr.New(apperr.KindInvalidArgument, "unknown command %s", cmd.Type)}
	}
}

// place reserves funds and inserts the order in one transaction, then runs
// a matching pass. A failed pass does not undo the accepted order.
func (w *pairWorker) place(ctx context.Context, o *models.Order) Result {
	now := time.Now().UTC()
	o.ID = uuid.NewString()
	o.Seq = w.seq.Add(1)
	o.CreatedAt, o.UpdatedAt = now, now
	o.Reserved = o.Quantity
	if o.Side == models.SideBuy {
		o.Reserved = w.matcher.fees.BuyReserve(o.Price, o.Quantity)
	}

	err := w.st.WithTx(ctx, func(tx store.Tx) error {
		if err := users.CanTrade(ctx, tx, o.UserID); err != nil {
			return err
		}
		if err := ledger.Reserve(ctx, tx, o.UserID, w.pair.ReserveAsset(o.Side), o.Reserved); err != nil {
			return err
		}
		return orders.Insert(ctx, tx, o)
	})
	if err != nil {
		return Result{Err: err}
	}
	w.book.AddOrder(o)
	w.log.Info("order accepted",
		zap.String("order", o.ID), zap.String("user", o.UserID), zap.String("side", string(o.Side)),
		zap.String("price", o.Price.String()), zap.String("quantity", o.Quantity.String()))

	res, err := w.match(ctx)
	if err != nil {
		w.log.Error("matching pass failed", zap.String("trigger", o.ID), zap.Error(err))
	}
	placed := o.Clone()
	if after, ok := res.Touched[o.ID]; ok {
		placed = after
	}
	return Result{Order: placed, Trades: res.Trades}
}

func (w *pairWorker) cancel(ctx context.Context, id, requester string) Result {
	var cr orders.CancelResult
	err := w.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if cr, err = orders.Cancel(ctx, tx, id, requester); err != nil {
			return err
		}
		if cr.Order.Pair != w.pair.Symbol {
			return apperr.New(apperr.KindInvalidArgument, "order %s is not on %s", id, w.pair.Symbol)
		}
		return ledger.Release(ctx, tx, cr.Order.UserID, w.pair.ReserveAsset(cr.Order.Side), cr.Released)
	})
	if err != nil {
		return Result{Err: err}
	}
	w.book.CancelOrder(id)
	w.matcher.Forget(id)
	w.log.Info("order canceled",
		zap.String("order", id), zap.String("remaining", cr.Remaining.String()),
		zap.String("released", cr.Released.String()))
	return Result{Order: cr.Order}
}

func (w *pairWorker) resume(ctx context.Context, id string) Result {
	var o *models.Order
	err := w.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = orders.Resume(ctx, tx, id)
		if apperr.Is(err, apperr.KindInvalidState) && w.matcher.heldInMemory(id) {
			// the halt never reached the row
			o, err = orders.Get(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		if o.Pair != w.pair.Symbol {
			return apperr.New(apperr.KindInvalidArgument, "order %s is not on %s", id, w.pair.Symbol)
		}
		return nil
	})
	if err != nil {
		return Result{Err: err}
	}
	w.matcher.Forget(id)
	w.book.AddOrder(o)
	w.log.Info("order resumed", zap.String("order", id))

	res, err := w.match(ctx)
	if after, ok := res.Touched[id]; ok {
		o = after
	}
	return Result{Order: o, Trades: res.Trades, Err: err}
}

// match runs one pass and folds its committed outcome into the book.
func (w *pairWorker) match(ctx context.Context) (*MatchResult, error) {
	res, err := w.matcher.Run(ctx)
	for _, o := range res.Touched {
		w.book.UpdateOrder(o)
		if !o.Resting() {
			w.matcher.Forget(o.ID)
		}
	}
	for _, id := range res.Halted {
		w.book.CancelOrder(id)
	}
	w.recordTrades(res.Trades)
	return res, err
}

func (w *pairWorker) recordTrades(trades []models.Trade) {
	if len(trades) == 0 {
		return
	}
	next := make([]models.Trade, 0, len(trades)+len(w.recent))
	for i := len(trades) - 1; i >= 0; i-- {
		next = append(next, trades[i])
	}
	next = append(next, w.recent...)
	if len(next) > w.recentN {
		next = next[:w.recentN]
	}
	w.recent = next

	for _, t := range trades {
		select {
		case w.out <- t:
		default:
			w.log.Warn("trade feed full, dropping event", zap.String("trade", t.ID))
		}
	}
}

func (w *pairWorker) publishSnapshot() {
	w.snap.Store(&BookSnapshot{
		Pair:      w.pair.Symbol,
		Bids:      w.book.Depth(models.SideBuy, w.depth),
		Asks:      w.book.Depth(models.SideSell, w.depth),
		BidLevels: w.book.Levels(models.SideBuy, w.depth),
		AskLevels: w.book.Levels(models.SideSell, w.depth),
		Trades:    append([]models.Trade(nil), w.recent...),
		Halted:    w.matcher.Halted(),
		UpdatedAt: time.Now().UTC(),
	})
}
