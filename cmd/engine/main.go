// Command engine runs the matching core in memory against a fixed pair of
// orders and prints the resulting trade and balances.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/engine"
	"github.com/hakimelghazi/exchange-ledger/internal/ledger"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store/memstore"
	"github.com/hakimelghazi/exchange-ledger/internal/users"
)

var pair = models.Pair{Symbol: "USDX-PI", Base: "USDX", Quote: "PI"}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memstore.New()
	dir := users.NewDirectory(st, log)
	led := ledger.New(st, log, pair.Base, pair.Quote)
	fees, err := engine.NewFeeSchedule(20, 10, 8)
	if err != nil {
		return err
	}
	eng, err := engine.New(st, engine.Config{Pairs: []models.Pair{pair}, Fees: fees, FeeAccount: "FEE_TREASURY"}, nil, log)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	fund := func(user, asset, amount string) error {
		if _, err := dir.EnsureUser(ctx, user, user); err != nil {
			return err
		}
		if _, err := dir.AcceptTerms(ctx, user); err != nil {
			return err
		}
		_, err := led.CreditDeposit(ctx, uuid.NewString(), user, asset, decimal.RequireFromString(amount))
		return err
	}
	if err := fund("alice", pair.Quote, "100"); err != nil {
		return err
	}
	if err := fund("bob", pair.Base, "10"); err != nil {
		return err
	}

	// Maker: alice bids 10 @ 5, then bob sells 10 @ 4 into it.
	orders := []engine.OrderRequest{
		{UserID: "alice", Pair: pair.Symbol, Side: models.SideBuy, Price: decimal.NewFromInt(5), Quantity: decimal.NewFromInt(10)},
		{UserID: "bob", Pair: pair.Symbol, Side: models.SideSell, Price: decimal.NewFromInt(4), Quantity: decimal.NewFromInt(10)},
	}
	for _, req := range orders {
		o, err := eng.SubmitOrder(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("order %s %s %s @ %s -> %s\n", o.UserID, o.Side, o.Quantity, o.Price, o.Status)
	}

	trades, err := eng.RecentTrades(ctx, pair.Symbol, 10)
	if err != nil {
		return err
	}
	for _, t := range trades {
		fmt.Printf("trade %s @ %s buyer_fee=%s seller_fee=%s\n", t.Quantity, t.Price, t.BuyerFee, t.SellerFee)
	}
	for _, user := range []string{"alice", "bob", "FEE_TREASURY"} {
		bals, err := led.Balances(ctx, user)
		if err != nil {
			return err
		}
		for _, b := range bals {
			fmt.Printf("balance %s %s %s\n", user, b.Asset, b.Amount)
		}
	}

	cancel()
	return <-done
}
