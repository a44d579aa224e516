// Package api exposes the exchange over HTTP: a chi router with a
// problem+json error surface and the websocket trade feed.
package api

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/engine"
	"github.com/hakimelghazi/exchange-ledger/internal/feed"
	"github.com/hakimelghazi/exchange-ledger/internal/ledger"
	"github.com/hakimelghazi/exchange-ledger/internal/ticker"
	"github.com/hakimelghazi/exchange-ledger/internal/users"
)

type Options struct {
	AdminToken     string // empty disables the admin routes
	ServiceToken   string // empty disables deposit notifications
	CORSOrigins    []string
	RequestTimeout time.Duration
}

type Deps struct {
	Engine *engine.Engine
	Ledger *ledger.Ledger
	Users  *users.Directory
	Quotes *ticker.Cache
	Hub    *feed.Hub // optional
}

type Server struct {
	Deps
	opts     Options
	validate *validator.Validate
	log      *zap.Logger
}

func New(deps Deps, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 3 * time.Second
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		Deps:     deps,
		opts:     opts,
		validate: v,
		log:      log.Named("api"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Hygiene stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Hub != nil {
		r.Get("/ws", s.Hub.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Post("/session", s.handleSession)
		r.Route("/users/{uid}", func(r chi.Router) {
			r.Post("/accept-terms", s.handleAcceptTerms)
			r.Get("/balances", s.handleBalances)
			r.Get("/balances/{asset}", s.handleBalance)
		})

		r.Get("/pairs", s.handlePairs)
		r.Route("/pairs/{pair}", func(r chi.Router) {
			r.Get("/orderbook", s.handleOrderBook)
			r.Get("/trades", s.handleTrades)
			r.Get("/ticker", s.handleTicker)
		})

		r.Post("/orders", s.handlePlaceOrder)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)

		r.With(s.requireService).Post("/deposits", s.handleDeposit)
		r.Post("/withdrawals", s.handleRequestWithdrawal)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/withdrawals", s.handleListWithdrawals)
			r.Post("/withdrawals/{id}/decision", s.handleDecideWithdrawal)
			r.Post("/pairs/{pair}/rematch", s.handleRematch)
			r.Post("/pairs/{pair}/orders/{id}/resume", s.handleResume)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Admin-Token", "X-Service-Token", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Location"},
	})
	return c.Handler(r)
}
