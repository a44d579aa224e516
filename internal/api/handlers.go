package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/engine"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

type sessionRequest struct {
	UserID   string `json:"user_id" validate:"required,max=128"`
	Username string `json:"username" validate:"max=128"`
}

type placeOrderRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Pair     string `json:"pair" validate:"required"`
	Side     string `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	Price    string `json:"price" validate:"required,numeric"`
	Quantity string `json:"quantity" validate:"required,numeric"`
}

type cancelOrderRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type depositRequest struct {
	PaymentID string `json:"payment_id" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required"`
	Asset     string `json:"asset" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
}

type withdrawalRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Asset   string `json:"asset" validate:"required"`
	Amount  string `json:"amount" validate:"required,numeric"`
	Address string `json:"address" validate:"required,max=256"`
}

type decisionRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note" validate:"max=512"`
}

type balanceResponse struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type depositResponse struct {
	PaymentID string `json:"payment_id"`
	Credited  bool   `json:"credited"`
}

type tradesResponse struct {
	Trades []models.Trade `json:"trades"`
}

type resumeResponse struct {
	Order  *models.Order  `json:"order"`
	Trades []models.Trade `json:"trades"`
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindInvalidArgument, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.Users.EnsureUser(r.Context(), req.UserID, req.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

func (s *Server) handleAcceptTerms(w http.ResponseWriter, r *http.Request) {
	u, err := s.Users.AcceptTerms(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	bals, err := s.Ledger.Balances(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bals == nil {
		bals = []models.Balance{}
	}
	writeJSON(w, r, http.StatusOK, bals)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	uid, asset := chi.URLParam(r, "uid"), chi.URLParam(r, "asset")
	amount, err := s.Ledger.GetBalance(r.Context(), uid, asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balanceResponse{UserID: uid, Asset: asset, Amount: amount})
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.Engine.Pairs())
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.Engine.GetOrderBook(chi.URLParam(r, "pair"), depth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trades, err := s.Engine.RecentTrades(r.Context(), chi.URLParam(r, "pair"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, r, http.StatusOK, tradesResponse{Trades: trades})
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "pair")
	if _, ok := s.Engine.Pair(pair); !ok {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "unknown pair %s", pair))
		return
	}
	q, ok := s.Quotes.Get(pair)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindNotFound, "no trades on %s yet", pair))
		return
	}
	writeJSON(w, r, http.StatusOK, q)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, err := models.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "%v", err))
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid price %q", req.Price))
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid quantity %q", req.Quantity))
		return
	}

	o, err := s.Engine.SubmitOrder(r.Context(), engine.OrderRequest{
		UserID:   req.UserID,
		Pair:     req.Pair,
		Side:     side,
		Price:    price,
		Quantity: qty,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeJSON(w, r, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Engine.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	o, err := s.Engine.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid amount %q", req.Amount))
		return
	}
	credited, err := s.Ledger.CreditDeposit(r.Context(), req.PaymentID, req.UserID, req.Asset, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, depositResponse{PaymentID: req.PaymentID, Credited: credited})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid amount %q", req.Amount))
		return
	}
	wd, err := s.Ledger.RequestWithdrawal(r.Context(), req.UserID, req.Asset, amount, req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, wd)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = 100
	}
	list, err := s.Ledger.ListWithdrawals(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Withdrawal{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleDecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := models.ParseWithdrawalStatus(req.Status)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "%v", err))
		return
	}
	wd, err := s.Ledger.DecideWithdrawal(r.Context(), chi.URLParam(r, "id"), status, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, wd)
}

func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	trades, err := s.Engine.Rematch(r.Context(), chi.URLParam(r, "pair"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, r, http.StatusOK, tradesResponse{Trades: trades})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	o, trades, err := s.Engine.Resume(r.Context(), chi.URLParam(r, "pair"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, r, http.StatusOK, resumeResponse{Order: o, Trades: trades})
}
