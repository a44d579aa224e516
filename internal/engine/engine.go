// Package engine is the trading core: per-pair workers that accept orders,
// cross the book with price-time priority and settle every fill atomically
// through the ledger and the order store.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/orders"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

type Config struct {
	Pairs      []models.Pair
	Fees       FeeSchedule
	FeeAccount string

	CommandBuffer int // per pair
	FeedBuffer    int // committed trades waiting for publication
	BookDepth     int // max entries per side in a snapshot
	RecentTrades  int // trades kept in a snapshot
}

func (c *Config) setDefaults() {
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 64
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = 1024
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 50
	}
	if c.RecentTrades <= 0 {
		c.RecentTrades = 50
	}
}

// TradePublisher receives every committed trade, outside any pair's
// serialized region.
type TradePublisher interface {
	PublishTrade(ctx context.Context, t models.Trade) error
}

type Engine struct {
	cfg     Config
	st      store.Store
	pub     TradePublisher
	log     *zap.Logger
	workers map[string]*pairWorker
	trades  chan models.Trade
	seq     atomic.Int64
	stopped chan struct{}
}

func New(st store.Store, cfg Config, pub TradePublisher, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("engine: at least one pair is required")
	}
	if cfg.FeeAccount == "" {
		return nil, fmt.Errorf("engine: fee account is required")
	}
	if cfg.Fees.rates == nil {
		return nil, fmt.Errorf("engine: fee schedule is required")
	}

	e := &Engine{
		cfg:     cfg,
		st:      st,
		pub:     pub,
		log:     log.Named("engine"),
		workers: make(map[string]*pairWorker, len(cfg.Pairs)),
		trades:  make(chan models.Trade, cfg.FeedBuffer),
		stopped: make(chan struct{}),
	}
	for _, p := range cfg.Pairs {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		if _, dup := e.workers[p.Symbol]; dup {
			return nil, fmt.Errorf("engine: duplicate pair %s", p.Symbol)
		}
		e.workers[p.Symbol] = newPairWorker(p, st, cfg, &e.seq, e.trades, e.log)
	}
	return e, nil
}

// Run loads every book and serves commands until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	err := e.st.WithTx(ctx, func(tx store.Tx) error {
		highest, err := tx.MaxOrderSeq(ctx)
		e.seq.Store(highest)
		return err
	})
	if err != nil {
		return fmt.Errorf("engine: load order sequence: %w", err)
	}
	for _, w := range e.workers {
		if err := w.load(ctx); err != nil {
			return fmt.Errorf("engine: load %s: %w", w.pair.Symbol, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return e.dispatch(gctx) })
	e.log.Info("engine running", zap.Int("pairs", len(e.workers)))
	return g.Wait()
}

func (e *Engine) dispatch(ctx context.Context) error {
	for {
		select {
		case t := <-e.trades:
			if e.pub == nil {
				continue
			}
			if err := e.pub.PublishTrade(ctx, t); err != nil {
				e.log.Warn("publish trade", zap.String("trade", t.ID), zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// send hands cmd to the pair worker and waits for its answer. If ctx ends
// after the command was queued, the command may still complete.
func (e *Engine) send(ctx context.Context, w *pairWorker, cmd Command) Result {
	cmd.Resp = make(chan Result, 1)
	select {
	case w.cmds <- cmd:
	case <-e.stopped:
		return Result{Err: apperr.New(apperr.KindUnavailable, "engine stopped")}
	case <-ctx.Done():
		return Result{Err: apperr.Wrap(apperr.KindUnavailable, ctx.Err(), "engine busy")}
	}
	select {
	case r := <-cmd.Resp:
		return r
	case <-w.done:
		return Result{Err: apperr.New(apperr.KindUnavailable, "engine stopped")}
	case <-ctx.Done():
		return Result{Err: apperr.Wrap(apperr.KindUnavailable, ctx.Err(), "no answer from engine")}
	}
}

// public logs errors outside the taxonomy and strips their details.
func (e *Engine) public(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) == apperr.KindUnavailable {
		e.log.Error(op, zap.Error(err))
	}
	return apperr.Public(err)
}

func (e *Engine) worker(pair string) (*pairWorker, error) {
	w, ok := e.workers[pair]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown pair %s", pair)
	}
	return w, nil
}

func (e *Engine) Pairs() []models.Pair {
	return append([]models.Pair(nil), e.cfg.Pairs...)
}

func (e *Engine) Pair(symbol string) (models.Pair, bool) {
	w, ok := e.workers[symbol]
	if !ok {
		return models.Pair{}, false
	}
	return w.pair, true
}

type OrderRequest struct {
	UserID   string
	Pair     string
	Side     models.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (e *Engine) validate(req OrderRequest) error {
	scale := e.cfg.Fees.Scale()
	switch {
	case req.UserID == "":
		return apperr.New(apperr.KindInvalidArgument, "user is required")
	case req.Side != models.SideBuy && req.Side != models.SideSell:
		return apperr.New(apperr.KindInvalidArgument, "side must be BUY or SELL")
	case !req.Price.IsPositive():
		return apperr.New(apperr.KindInvalidArgument, "price must be positive")
	case !req.Quantity.IsPositive():
		return apperr.New(apperr.KindInvalidArgument, "quantity must be positive")
	case !req.Price.Equal(req.Price.Truncate(scale)):
		return apperr.New(apperr.KindInvalidArgument, "price has more than %d decimals", scale)
	case !req.Quantity.Equal(req.Quantity.Truncate(scale)):
		return apperr.New(apperr.KindInvalidArgument, "quantity has more than %d decimals", scale)
	}
	return nil
}

// SubmitOrder validates, reserves funds, inserts the order OPEN and runs a
// matching pass for its pair. The returned order reflects fills from that pass.
func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	w, err := e.worker(req.Pair)
	if err != nil {
		return nil, err
	}
	if err := e.validate(req); err != nil {
		return nil, err
	}
	o := &models.Order{
		UserID:   req.UserID,
		Pair:     req.Pair,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Filled:   decimal.Zero,
		Status:   models.StatusOpen,
	}
	r := e.send(ctx, w, Command{Type: CmdPlace, Order: o})
	if r.Err != nil {
		return nil, e.public("submit order", r.Err)
	}
	return r.Order, nil
}

// CancelOrder cancels an OPEN order owned by userID and releases what is
// still reserved for it.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	o, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	w, err := e.worker(o.Pair)
	if err != nil {
		return nil, err
	}
	r := e.send(ctx, w, Command{Type: CmdCancel, OrderID: orderID, UserID: userID})
	if r.Err != nil {
		return nil, e.public("cancel order", r.Err)
	}
	return r.Order, nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var o *models.Order
	err := e.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = orders.Get(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, e.public("get order", err)
	}
	return o, nil
}

// GetOrderBook serves the last published snapshot of the pair.
func (e *Engine) GetOrderBook(pair string, depth int) (*BookSnapshot, error) {
	w, err := e.worker(pair)
	if err != nil {
		return nil, err
	}
	if depth <= 0 || depth > e.cfg.BookDepth {
		depth = e.cfg.BookDepth
	}
	return w.snap.Load().Top(depth), nil
}

const maxTradeQuery = 500

// RecentTrades returns the newest trades of pair first.
func (e *Engine) RecentTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	if _, err := e.worker(pair); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.cfg.RecentTrades
	}
	limit = min(limit, maxTradeQuery)
	var out []models.Trade
	err := e.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.RecentTrades(ctx, pair, limit)
		return err
	})
	if err != nil {
		return nil, e.public("recent trades", err)
	}
	return out, nil
}

// Rematch runs a matching pass on pair without a new order.
func (e *Engine) Rematch(ctx context.Context, pair string) ([]models.Trade, error) {
	w, err := e.worker(pair)
	if err != nil {
		return nil, err
	}
	r := e.send(ctx, w, Command{Type: CmdRematch})
	return r.Trades, e.public("rematch", r.Err)
}

// Resume lets a halted order match again and runs a pass.
func (e *Engine) Resume(ctx context.Context, pair, orderID string) (*models.Order, []models.Trade, error) {
	w, err := e.worker(pair)
	if err != nil {
		return nil, nil, err
	}
	r := e.send(ctx, w, Command{Type: CmdResume, OrderID: orderID})
	return r.Order, r.Trades, e.public("resume", r.Err)
}
