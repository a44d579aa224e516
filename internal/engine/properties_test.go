package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

var propertyUsers = []string{"alice", "bob", "carol"}

// TestBookInvariants drives random submits and cancels and checks, after
// every step, that value is conserved, no balance is negative, fills only
// grow and no accepted order fails to settle.
func TestBookInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h, stop, err := startEngine(zap.NewNop())
		if err != nil {
			rt.Fatalf("start: %v", err)
		}
		defer stop()
		ctx := context.Background()

		deposits := map[string]decimal.Decimal{}
		for _, u := range propertyUsers {
			if _, err := h.users.EnsureUser(ctx, u, u); err != nil {
				rt.Fatalf("ensure user: %v", err)
			}
			if _, err := h.users.AcceptTerms(ctx, u); err != nil {
				rt.Fatalf("accept terms: %v", err)
			}
			for asset, amt := range map[string]string{"PI": "500", "USDX": "100"} {
				if _, err := h.ledger.CreditDeposit(ctx, u+asset, u, asset, dec(amt)); err != nil {
					rt.Fatalf("deposit: %v", err)
				}
				deposits[asset] = deposits[asset].Add(dec(amt))
			}
		}

		var ids []string
		filled := map[string]decimal.Decimal{}

		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for range steps {
			if len(ids) > 0 && rapid.IntRange(0, 4).Draw(rt, "cancel") == 0 {
				id := rapid.SampledFrom(ids).Draw(rt, "order")
				owner := rapid.SampledFrom(propertyUsers).Draw(rt, "requester")
				_, err := h.eng.CancelOrder(ctx, id, owner)
				switch apperr.KindOf(err) {
				case apperr.KindForbidden, apperr.KindInvalidState:
				default:
					if err != nil {
						rt.Fatalf("cancel: %v", err)
					}
				}
			} else {
				o, err := h.eng.SubmitOrder(ctx, OrderRequest{
					UserID:   rapid.SampledFrom(propertyUsers).Draw(rt, "user"),
					Pair:     testPair.Symbol,
					Side:     rapid.SampledFrom([]models.Side{models.SideBuy, models.SideSell}).Draw(rt, "side"),
					Price:    decimal.New(rapid.Int64Range(1, 50).Draw(rt, "price"), -1),
					Quantity: decimal.New(rapid.Int64Range(1, 100).Draw(rt, "qty"), -1),
				})
				if err != nil {
					if !apperr.Is(err, apperr.KindInsufficientFunds) {
						rt.Fatalf("submit: %v", err)
					}
				} else {
					ids = append(ids, o.ID)
				}
			}

			totals := map[string]decimal.Decimal{}
			for _, b := range h.st.AllBalances() {
				if b.Amount.IsNegative() {
					rt.Fatalf("%s has negative %s: %s", b.UserID, b.Asset, b.Amount)
				}
				totals[b.Asset] = totals[b.Asset].Add(b.Amount)
			}
			for _, id := range ids {
				o, err := h.eng.GetOrder(ctx, id)
				if err != nil {
					rt.Fatalf("get order: %v", err)
				}
				if o.Filled.LessThan(filled[id]) {
					rt.Fatalf("order %s filled went from %s to %s", id, filled[id], o.Filled)
				}
				if o.Filled.GreaterThan(o.Quantity) {
					rt.Fatalf("order %s overfilled: %s of %s", id, o.Filled, o.Quantity)
				}
				if o.Status == models.StatusFilled && !o.Remaining().IsZero() {
					rt.Fatalf("order %s FILLED with %s remaining", id, o.Remaining())
				}
				filled[id] = o.Filled
				asset := testPair.ReserveAsset(o.Side)
				totals[asset] = totals[asset].Add(o.Reserved)
			}
			for asset, want := range deposits {
				if !totals[asset].Equal(want) {
					rt.Fatalf("%s not conserved: deposited %s, accounted %s", asset, want, totals[asset])
				}
			}
			book, err := h.eng.GetOrderBook(testPair.Symbol, 0)
			if err != nil {
				rt.Fatalf("book: %v", err)
			}
			if len(book.Halted) > 0 {
				rt.Fatalf("accepted orders failed to settle: %+v", book.Halted)
			}
		}
	})
}

// TestEarlierOrderFillsFirst checks price-time priority for any fill size.
func TestEarlierOrderFillsFirst(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h, stop, err := startEngine(zap.NewNop())
		if err != nil {
			rt.Fatalf("start: %v", err)
		}
		defer stop()
		ctx := context.Background()

		for _, u := range []string{"first", "second", "buyer"} {
			if _, err := h.users.EnsureUser(ctx, u, u); err != nil {
				rt.Fatalf("ensure user: %v", err)
			}
			if _, err := h.users.AcceptTerms(ctx, u); err != nil {
				rt.Fatalf("accept terms: %v", err)
			}
		}
		size := decimal.NewFromInt(rapid.Int64Range(1, 20).Draw(rt, "size"))
		take := decimal.NewFromInt(rapid.Int64Range(1, 40).Draw(rt, "take"))
		for _, u := range []string{"first", "second"} {
			if _, err := h.ledger.CreditDeposit(ctx, u, u, "USDX", size); err != nil {
				rt.Fatalf("deposit: %v", err)
			}
		}
		if _, err := h.ledger.CreditDeposit(ctx, "buyer", "buyer", "PI", take.Mul(dec("3"))); err != nil {
			rt.Fatalf("deposit: %v", err)
		}

		submit := func(user string, side models.Side, qty decimal.Decimal) *models.Order {
			o, err := h.eng.SubmitOrder(ctx, OrderRequest{UserID: user, Pair: testPair.Symbol, Side: side, Price: dec("2"), Quantity: qty})
			if err != nil {
				rt.Fatalf("submit %s: %v", user, err)
			}
			return o
		}
		first := submit("first", models.SideSell, size)
		second := submit("second", models.SideSell, size)
		submit("buyer", models.SideBuy, take)

		f, _ := h.eng.GetOrder(ctx, first.ID)
		s, _ := h.eng.GetOrder(ctx, second.ID)
		if s.Filled.IsPositive() && f.Remaining().IsPositive() {
			rt.Fatalf("later order filled %s while earlier kept %s", s.Filled, f.Remaining())
		}
		if want := decimal.Min(take, size); !f.Filled.Equal(want) {
			rt.Fatalf("earlier order filled %s, want %s", f.Filled, want)
		}
	})
}
