package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	exdb "github.com/hakimelghazi/exchange-ledger/db"
	"github.com/hakimelghazi/exchange-ledger/internal/api"
	"github.com/hakimelghazi/exchange-ledger/internal/config"
	"github.com/hakimelghazi/exchange-ledger/internal/engine"
	"github.com/hakimelghazi/exchange-ledger/internal/feed"
	"github.com/hakimelghazi/exchange-ledger/internal/ledger"
	"github.com/hakimelghazi/exchange-ledger/internal/logging"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
	"github.com/hakimelghazi/exchange-ledger/internal/store/memstore"
	"github.com/hakimelghazi/exchange-ledger/internal/store/pgstore"
	"github.com/hakimelghazi/exchange-ledger/internal/ticker"
	"github.com/hakimelghazi/exchange-ledger/internal/users"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("starting", zap.Stringer("config", &cfg))

	// 1) store
	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := users.NewDirectory(st, log)
	led := ledger.New(st, log, cfg.Assets()...)
	if _, err := dir.EnsureUser(ctx, cfg.Fees.Account, "fee treasury"); err != nil {
		return fmt.Errorf("fee account: %w", err)
	}
	if _, err := dir.AcceptTerms(ctx, cfg.Fees.Account); err != nil {
		return fmt.Errorf("fee account: %w", err)
	}

	// 2) trade feed
	quotes := ticker.NewCache(cfg.Engine.TickerWindow, log)
	if err := seedQuotes(ctx, st, cfg.Pairs, quotes); err != nil {
		return err
	}
	hub := feed.NewHub(cfg.Server.CORSOrigins, log)
	publishers := feed.Multi{quotes, hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publishers = append(publishers, kp)
		log.Info("publishing trades to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// 3) engine
	fees, err := engine.NewFeeSchedule(cfg.Fees.TakerBps, cfg.Fees.MakerBps, cfg.Fees.Scale)
	if err != nil {
		return err
	}
	eng, err := engine.New(st, engine.Config{
		Pairs:         cfg.Pairs,
		Fees:          fees,
		FeeAccount:    cfg.Fees.Account,
		CommandBuffer: cfg.Engine.CommandBuffer,
		FeedBuffer:    cfg.Engine.FeedBuffer,
		BookDepth:     cfg.Engine.BookDepth,
		RecentTrades:  cfg.Engine.RecentTrades,
	}, publishers, log)
	if err != nil {
		return err
	}

	// 4) router
	srv := api.New(api.Deps{
		Engine: eng,
		Ledger: led,
		Users:  dir,
		Quotes: quotes,
		Hub:    hub,
	}, api.Options{
		AdminToken:     cfg.Server.AdminToken,
		ServiceToken:   cfg.Server.ServiceToken,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, log)
	if cfg.Server.ServiceToken == "" {
		log.Warn("no service token set; deposit notifications are refused")
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return quotes.Run(gctx, time.Minute) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	if cfg.Kind != config.StorePostgres {
		log.Warn("using in-memory store; state is lost on exit")
		return memstore.New(), nil
	}
	pool, err := exdb.NewPool(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := exdb.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pgstore.New(pool), nil
}

func seedQuotes(ctx context.Context, st store.Store, pairs []models.Pair, quotes *ticker.Cache) error {
	return st.WithTx(ctx, func(tx store.Tx) error {
		for _, p := range pairs {
			trades, err := tx.RecentTrades(ctx, p.Symbol, 500)
			if err != nil {
				return fmt.Errorf("seed ticker %s: %w", p.Symbol, err)
			}
			quotes.Seed(trades)
		}
		return nil
	})
}
