package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/ledger"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store/memstore"
	"github.com/hakimelghazi/exchange-ledger/internal/users"
)

type recordingPublisher struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (p *recordingPublisher) PublishTrade(_ context.Context, t models.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, t)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trades)
}

type harness struct {
	st     *memstore.Store
	eng    *Engine
	ledger *ledger.Ledger
	users  *users.Directory
	pub    *recordingPublisher
}

// startEngine runs an engine over a fresh memstore until stop is called.
func startEngine(log *zap.Logger, pairs ...models.Pair) (*harness, func(), error) {
	if len(pairs) == 0 {
		pairs = []models.Pair{testPair}
	}
	fees, err := NewFeeSchedule(20, 10, 8)
	if err != nil {
		return nil, nil, err
	}
	st := memstore.New()
	pub := &recordingPublisher{}
	eng, err := New(st, Config{Pairs: pairs, Fees: fees, FeeAccount: feeAccount}, pub, log)
	if err != nil {
		return nil, nil, err
	}
	var assets []string
	for _, p := range pairs {
		assets = append(assets, p.Base, p.Quote)
	}
	h := &harness{st: st, eng: eng, ledger: ledger.New(st, log, assets...), users: users.NewDirectory(st, log), pub: pub}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	return h, func() { cancel(); <-done }, nil
}

func newHarness(t *testing.T, pairs ...models.Pair) *harness {
	t.Helper()
	h, stop, err := startEngine(zaptest.NewLogger(t), pairs...)
	require.NoError(t, err)
	t.Cleanup(stop)
	return h
}

func (h *harness) fund(t *testing.T, user, asset, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.users.EnsureUser(ctx, user, user)
	require.NoError(t, err)
	_, err = h.users.AcceptTerms(ctx, user)
	require.NoError(t, err)
	credited, err := h.ledger.CreditDeposit(ctx, uuid.NewString(), user, asset, dec(amount))
	require.NoError(t, err)
	require.True(t, credited)
}

func (h *harness) balance(t *testing.T, user, asset string) decimal.Decimal {
	t.Helper()
	bal, err := h.ledger.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	return bal
}

func (h *harness) submit(t *testing.T, user string, side models.Side, price, qty string) *models.Order {
	t.Helper()
	o, err := h.eng.SubmitOrder(context.Background(), OrderRequest{
		UserID: user, Pair: testPair.Symbol, Side: side, Price: dec(price), Quantity: dec(qty),
	})
	require.NoError(t, err)
	return o
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: want %s, got %s", msg, want, got)
}

func TestBuyThenCheaperSellTradesAtAskPrice(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "PI", "100")
	h.fund(t, "B", "USDX", "10")

	buy := h.submit(t, "A", models.SideBuy, "5", "10")
	// 50 notional + 0.1 fee at the taker rate
	assertDec(t, "49.9", h.balance(t, "A", "PI"), "A after reserve")
	assertDec(t, "50.1", buy.Reserved, "reserved")

	sell := h.submit(t, "B", models.SideSell, "4", "10")
	assert.Equal(t, models.StatusFilled, sell.Status)

	trades, err := h.eng.RecentTrades(context.Background(), testPair.Symbol, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assertDec(t, "4", tr.Price, "price")
	assertDec(t, "10", tr.Quantity, "quantity")
	assert.Equal(t, buy.ID, tr.MakerOrderID)
	assert.Equal(t, sell.ID, tr.TakerOrderID)
	assertDec(t, "0.04", tr.BuyerFee, "maker fee")
	assertDec(t, "0.08", tr.SellerFee, "taker fee")

	assertDec(t, "10", h.balance(t, "A", "USDX"), "A base")
	// 49.9 spendable + 10.06 released: 50.1 reserved - 40 notional - 0.04 maker fee
	assertDec(t, "59.96", h.balance(t, "A", "PI"), "A quote")
	assertDec(t, "39.92", h.balance(t, "B", "PI"), "B quote")
	assertDec(t, "0", h.balance(t, "B", "USDX"), "B base")
	assertDec(t, "0.12", h.balance(t, feeAccount, "PI"), "fees")

	o, err := h.eng.GetOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, o.Status)
	assert.True(t, o.Reserved.IsZero())

	require.Eventually(t, func() bool { return h.pub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEarlierSellAtSamePriceFillsFirst(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "B", "USDX", "5")
	h.fund(t, "C", "USDX", "5")
	h.fund(t, "D", "PI", "30")

	b := h.submit(t, "B", models.SideSell, "5", "5")
	c := h.submit(t, "C", models.SideSell, "5", "5")
	d := h.submit(t, "D", models.SideBuy, "5", "5")
	assert.Equal(t, models.StatusFilled, d.Status)

	bo, err := h.eng.GetOrder(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, bo.Status)

	co, err := h.eng.GetOrder(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, co.Status)
	assert.True(t, co.Filled.IsZero())

	book, err := h.eng.GetOrderBook(testPair.Symbol, 10)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, c.ID, book.Asks[0].OrderID)
	assert.Empty(t, book.Bids)
	require.Len(t, book.Trades, 1)

	assertDec(t, "4.95", h.balance(t, "D", "PI"), "D pays 25 + 0.05 taker fee")
	assertDec(t, "24.975", h.balance(t, "B", "PI"), "B receives 25 - 0.025 maker fee")
}

func TestCancelPartiallyFilledReleasesRemaining(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "PI", "100")
	h.fund(t, "B", "USDX", "3")
	h.fund(t, "E", "USDX", "1")

	buy := h.submit(t, "A", models.SideBuy, "5", "10")
	h.submit(t, "B", models.SideSell, "5", "3")
	// 100 - 50.1 reserved; the 0.015 maker fee came out of the reservation
	assertDec(t, "49.9", h.balance(t, "A", "PI"), "A before cancel")

	canceled, err := h.eng.CancelOrder(context.Background(), buy.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assertDec(t, "3", canceled.Filled, "filled")
	assert.True(t, canceled.Reserved.IsZero())
	assertDec(t, "84.985", h.balance(t, "A", "PI"), "7 * 5 plus the unused fee released")

	h.submit(t, "E", models.SideSell, "5", "1")
	o, err := h.eng.GetOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assertDec(t, "3", o.Filled, "canceled order is skipped")

	_, err = h.eng.CancelOrder(context.Background(), buy.ID, "A")
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "PI", "10")
	ctx := context.Background()

	cases := []struct {
		name string
		req  OrderRequest
		kind apperr.Kind
	}{
		{"unknown pair", OrderRequest{UserID: "A", Pair: "NOPE", Side: models.SideBuy, Price: dec("1"), Quantity: dec("1")}, apperr.KindInvalidArgument},
		{"zero price", OrderRequest{UserID: "A", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("0"), Quantity: dec("1")}, apperr.KindInvalidArgument},
		{"negative qty", OrderRequest{UserID: "A", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("1"), Quantity: dec("-1")}, apperr.KindInvalidArgument},
		{"too precise", OrderRequest{UserID: "A", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("0.000000001"), Quantity: dec("1")}, apperr.KindInvalidArgument},
		{"bad side", OrderRequest{UserID: "A", Pair: testPair.Symbol, Side: "HOLD", Price: dec("1"), Quantity: dec("1")}, apperr.KindInvalidArgument},
		{"no funds", OrderRequest{UserID: "A", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("11"), Quantity: dec("1")}, apperr.KindInsufficientFunds},
		{"no terms", OrderRequest{UserID: "stranger", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("1"), Quantity: dec("1")}, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.eng.SubmitOrder(ctx, tc.req)
			assert.Equal(t, tc.kind, apperr.KindOf(err), "got %v", err)
		})
	}
	assertDec(t, "10", h.balance(t, "A", "PI"), "rejected orders reserve nothing")
}

func TestCancelByOtherUserIsForbidden(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "USDX", "1")
	o := h.submit(t, "A", models.SideSell, "5", "1")

	_, err := h.eng.CancelOrder(context.Background(), o.ID, "mallory")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = h.eng.CancelOrder(context.Background(), uuid.NewString(), "A")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestFullyFundedBuyerPaysFeeFromReservation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "PI", "50")
	h.fund(t, "B", "USDX", "10")

	_, err := h.eng.SubmitOrder(context.Background(), OrderRequest{
		UserID: "A", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("5"), Quantity: dec("10"),
	})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds), "notional alone does not cover the fee: %v", err)
	assertDec(t, "50", h.balance(t, "A", "PI"), "rejected order reserves nothing")

	h.fund(t, "A", "PI", "0.1")
	buy := h.submit(t, "A", models.SideBuy, "5", "10")
	assertDec(t, "0", h.balance(t, "A", "PI"), "everything committed")

	sell := h.submit(t, "B", models.SideSell, "5", "10")
	assert.Equal(t, models.StatusFilled, sell.Status)

	o, err := h.eng.GetOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, o.Status)

	book, err := h.eng.GetOrderBook(testPair.Symbol, 0)
	require.NoError(t, err)
	assert.Empty(t, book.Halted)

	// A rested first and pays the 0.05 maker fee; the taker-rate surplus comes back
	assertDec(t, "0.05", h.balance(t, "A", "PI"), "A quote")
	assertDec(t, "10", h.balance(t, "A", "USDX"), "A base")
	assertDec(t, "49.9", h.balance(t, "B", "PI"), "B quote")
}

// restart starts a second engine over the harness store.
func (h *harness) restart(t *testing.T) *Engine {
	t.Helper()
	fees, err := NewFeeSchedule(20, 10, 8)
	require.NoError(t, err)
	eng, err := New(h.st, Config{Pairs: []models.Pair{testPair}, Fees: fees, FeeAccount: feeAccount}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = eng.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })
	return eng
}

func TestHaltedOrderSurvivesRestartUntilResumed(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "S", "USDX", "10")
	h.fund(t, "C", "PI", "25")
	h.fund(t, "D", "PI", "30")
	ctx := context.Background()

	c := h.submit(t, "C", models.SideBuy, "4", "5")
	assert.Equal(t, models.StatusOpen, c.Status)
	assertDec(t, "20.04", c.Reserved, "C reserved")
	// the stored reservation no longer covers a fill
	setReserved(t, h.st, c.ID, "1")

	h.submit(t, "S", models.SideSell, "4", "5")
	book, err := h.eng.GetOrderBook(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, book.Halted, 1)
	assert.Equal(t, c.ID, book.Halted[0].OrderID)
	assert.Empty(t, book.Bids)

	d := h.submit(t, "D", models.SideBuy, "4", "5")
	assert.Equal(t, models.StatusFilled, d.Status, "the rest of the book keeps matching")

	h.submit(t, "S", models.SideSell, "4", "5")
	o, err := h.eng.GetOrder(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, o.Filled.IsZero(), "halted order must not match")
	assert.NotEmpty(t, o.HaltReason)

	eng := h.restart(t)
	book, err = eng.GetOrderBook(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, book.Halted, 1)
	assert.Equal(t, c.ID, book.Halted[0].OrderID)
	assert.Empty(t, book.Bids)
	require.Len(t, book.Asks, 1)
	trades, err := eng.Rematch(ctx, testPair.Symbol)
	require.NoError(t, err)
	assert.Empty(t, trades, "a restart must not retry the halted settlement")

	setReserved(t, h.st, c.ID, "20.04")
	resumed, trades, err := eng.Resume(ctx, testPair.Symbol, c.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusFilled, resumed.Status)
	assert.Empty(t, resumed.HaltReason)
	// 20.04 reserved - 20 notional - 0.02 maker fee comes back
	assertDec(t, "4.98", h.balance(t, "C", "PI"), "C quote")
	assertDec(t, "5", h.balance(t, "C", "USDX"), "C base")

	_, _, err = eng.Resume(ctx, testPair.Symbol, c.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestRematchCrossesNothingNew(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "USDX", "1")
	h.submit(t, "A", models.SideSell, "5", "1")

	trades, err := h.eng.Rematch(context.Background(), testPair.Symbol)
	require.NoError(t, err)
	assert.Empty(t, trades)

	_, err = h.eng.Rematch(context.Background(), "NOPE")
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestEngineReloadsBookFromStore(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", "USDX", "2")
	first := h.submit(t, "A", models.SideSell, "5", "2")

	eng := h.restart(t)

	h.fund(t, "B", "PI", "20")
	o, err := eng.SubmitOrder(context.Background(), OrderRequest{
		UserID: "B", Pair: testPair.Symbol, Side: models.SideBuy, Price: dec("5"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, o.Status)
	assert.Greater(t, o.Seq, first.Seq)

	book, err := eng.GetOrderBook(testPair.Symbol, 5)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assertDec(t, "1", book.Asks[0].Remaining, "restored ask")
}

func TestPairsMatchIndependently(t *testing.T) {
	other := models.Pair{Symbol: "BTC-PI", Base: "BTC", Quote: "PI"}
	h := newHarness(t, testPair, other)
	const traders = 8

	for i := range traders {
		u := "u" + string(rune('a'+i))
		h.fund(t, u, "PI", "1000")
		h.fund(t, u, "USDX", "100")
		h.fund(t, u, "BTC", "100")
	}

	var wg sync.WaitGroup
	errs := make(chan error, traders*20)
	for i := range traders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := "u" + string(rune('a'+i))
			side := models.SideBuy
			if i%2 == 1 {
				side = models.SideSell
			}
			for j := range 10 {
				for _, pair := range []string{testPair.Symbol, other.Symbol} {
					_, err := h.eng.SubmitOrder(context.Background(), OrderRequest{
						UserID: u, Pair: pair, Side: side, Price: decimal.NewFromInt(int64(3 + j%3)), Quantity: dec("1"),
					})
					if err != nil {
						errs <- err
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}

	totals := map[string]decimal.Decimal{}
	for _, b := range h.st.AllBalances() {
		require.False(t, b.Amount.IsNegative(), "%s %s negative", b.UserID, b.Asset)
		totals[b.Asset] = totals[b.Asset].Add(b.Amount)
	}
	for _, pair := range []models.Pair{testPair, other} {
		book, err := h.eng.GetOrderBook(pair.Symbol, 0)
		require.NoError(t, err)
		for _, e := range book.Bids {
			o, err := h.eng.GetOrder(context.Background(), e.OrderID)
			require.NoError(t, err)
			totals[pair.Quote] = totals[pair.Quote].Add(o.Reserved)
		}
		for _, e := range book.Asks {
			o, err := h.eng.GetOrder(context.Background(), e.OrderID)
			require.NoError(t, err)
			totals[pair.Base] = totals[pair.Base].Add(o.Reserved)
		}
	}
	assertDec(t, "8000", totals["PI"], "PI conserved")
	assertDec(t, "800", totals["USDX"], "USDX conserved")
	assertDec(t, "800", totals["BTC"], "BTC conserved")
}
