// Package pgstore is the PostgreSQL store.Store, backed by a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, err, "commit tx")
	}
	committed = true
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// Balance locks the row for the rest of the transaction. The row is created
// first so two writers of a new balance serialize on it too.
func (t *pgTx) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id, asset, amount) VALUES ($1, $2, 0) ON CONFLICT DO NOTHING`,
		userID, asset); err != nil {
		return decimal.Zero, fmt.Errorf("ensure balance: %w", err)
	}
	var n pgtype.Numeric
	err := t.tx.QueryRow(ctx,
		`SELECT amount FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`,
		userID, asset).Scan(&n)
	if err != nil {
		return decimal.Zero, fmt.Errorf("select balance: %w", err)
	}
	return decimalFromNumeric(n)
}

func (t *pgTx) ReadBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	var n pgtype.Numeric
	err := t.tx.QueryRow(ctx,
		`SELECT amount FROM balances WHERE user_id = $1 AND asset = $2`,
		userID, asset).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("select balance: %w", err)
	}
	return decimalFromNumeric(n)
}

func (t *pgTx) SetBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, amount) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, asset) DO UPDATE SET amount = EXCLUDED.amount`,
		userID, asset, numericFromDecimal(amount))
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (t *pgTx) Balances(ctx context.Context, userID string) ([]models.Balance, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT asset, amount FROM balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("select balances: %w", err)
	}
	defer rows.Close()

	var out []models.Balance
	for rows.Next() {
		var (
			asset string
			n     pgtype.Numeric
		)
		if err := rows.Scan(&asset, &n); err != nil {
			return nil, err
		}
		amt, err := decimalFromNumeric(n)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Balance{UserID: userID, Asset: asset, Amount: amt})
	}
	return out, rows.Err()
}

const orderColumns = `id, user_id, pair, side, price, quantity, filled, reserved, status, seq, halt_reason, created_at, updated_at`

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	id, err := uuidFromString(o.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, err, "order id")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, o.UserID, o.Pair, string(o.Side),
		numericFromDecimal(o.Price), numericFromDecimal(o.Quantity),
		numericFromDecimal(o.Filled), numericFromDecimal(o.Reserved),
		string(o.Status), o.Seq, o.HaltReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, id string) (*models.Order, error) {
	uid, err := uuidFromString(id)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "order %s not found", id)
	}
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	uid, err := uuidFromString(o.ID)
	if err != nil {
		return apperr.New(apperr.KindNotFound, "order %s not found", o.ID)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET filled = $2, reserved = $3, status = $4, halt_reason = $5, updated_at = $6
		WHERE id = $1`,
		uid, numericFromDecimal(o.Filled), numericFromDecimal(o.Reserved),
		string(o.Status), o.HaltReason, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "order %s not found", o.ID)
	}
	return nil
}

func (t *pgTx) OpenOrders(ctx context.Context, pair string, side models.Side) ([]*models.Order, error) {
	priceOrder := "price ASC"
	if side == models.SideBuy {
		priceOrder = "price DESC"
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE pair = $1 AND side = $2 AND status = 'OPEN' AND filled < quantity
		ORDER BY `+priceOrder+`, seq ASC`,
		pair, string(side))
	if err != nil {
		return nil, fmt.Errorf("select open orders: %w", err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) MaxOrderSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM orders`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("select max seq: %w", err)
	}
	return seq, nil
}

const tradeColumns = `id, pair, price, quantity, buy_order_id, sell_order_id, buyer_id, seller_id,
	maker_side, maker_order_id, taker_order_id, buyer_fee, seller_fee, fee, created_at`

func (t *pgTx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	ids := make([]pgtype.UUID, 0, 5)
	for _, s := range []string{tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.MakerOrderID, tr.TakerOrderID} {
		u, err := uuidFromString(s)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidArgument, err, "trade id")
		}
		ids = append(ids, u)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ids[0], tr.Pair, numericFromDecimal(tr.Price), numericFromDecimal(tr.Quantity),
		ids[1], ids[2], tr.BuyerID, tr.SellerID,
		string(tr.MakerSide), ids[3], ids[4],
		numericFromDecimal(tr.BuyerFee), numericFromDecimal(tr.SellerFee), numericFromDecimal(tr.Fee),
		tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (t *pgTx) RecentTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE pair = $1
		ORDER BY trade_no DESC
		LIMIT $2`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("select trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var (
			id, buyID, sellID, makerID, takerID pgtype.UUID
			price, qty, buyerFee, sellerFee, fee pgtype.Numeric
			makerSide                            string
			tr                                   models.Trade
		)
		if err := rows.Scan(&id, &tr.Pair, &price, &qty, &buyID, &sellID, &tr.BuyerID, &tr.SellerID,
			&makerSide, &makerID, &takerID, &buyerFee, &sellerFee, &fee, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.ID = uuidString(id)
		tr.BuyOrderID = uuidString(buyID)
		tr.SellOrderID = uuidString(sellID)
		tr.MakerOrderID = uuidString(makerID)
		tr.TakerOrderID = uuidString(takerID)
		tr.MakerSide = models.Side(makerSide)
		if err := decimalsFromNumerics(
			[]pgtype.Numeric{price, qty, buyerFee, sellerFee, fee},
			[]*decimal.Decimal{&tr.Price, &tr.Quantity, &tr.BuyerFee, &tr.SellerFee, &tr.Fee},
		); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, username, accepted_terms) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			accepted_terms = users.accepted_terms OR EXCLUDED.accepted_terms,
			updated_at = now()`,
		u.ID, u.Username, u.AcceptedTerms)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (t *pgTx) User(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := t.tx.QueryRow(ctx,
		`SELECT id, username, accepted_terms, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.AcceptedTerms, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

func (t *pgTx) SetAcceptedTerms(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET accepted_terms = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("accept terms: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) (bool, error) {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO payments (payment_id, user_id, asset, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING`,
		p.ID, p.UserID, p.Asset, numericFromDecimal(p.Amount), created)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const withdrawalColumns = `id, user_id, asset, amount, address, status, note, created_at, updated_at`

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	id, err := uuidFromString(w.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, err, "withdrawal id")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, w.UserID, w.Asset, numericFromDecimal(w.Amount), w.Address,
		string(w.Status), w.Note, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (t *pgTx) Withdrawal(ctx context.Context, id string) (*models.Withdrawal, error) {
	uid, err := uuidFromString(id)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "withdrawal %s not found", id)
	}
	w, err := scanWithdrawal(t.tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "withdrawal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("select withdrawal: %w", err)
	}
	return w, nil
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	uid, err := uuidFromString(w.ID)
	if err != nil {
		return apperr.New(apperr.KindNotFound, "withdrawal %s not found", w.ID)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE withdrawals SET status = $2, note = $3, updated_at = $4 WHERE id = $1`,
		uid, string(w.Status), w.Note, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "withdrawal %s not found", w.ID)
	}
	return nil
}

func (t *pgTx) Withdrawals(ctx context.Context, limit int) ([]models.Withdrawal, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	defer rows.Close()

	var out []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var (
		id                           pgtype.UUID
		side, status                 string
		price, qty, filled, reserved pgtype.Numeric
		o                            models.Order
	)
	if err := row.Scan(&id, &o.UserID, &o.Pair, &side, &price, &qty, &filled, &reserved,
		&status, &o.Seq, &o.HaltReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.ID = uuidString(id)
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	if err := decimalsFromNumerics(
		[]pgtype.Numeric{price, qty, filled, reserved},
		[]*decimal.Decimal{&o.Price, &o.Quantity, &o.Filled, &o.Reserved},
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanWithdrawal(row scanner) (*models.Withdrawal, error) {
	var (
		id     pgtype.UUID
		amount pgtype.Numeric
		status string
		w      models.Withdrawal
	)
	if err := row.Scan(&id, &w.UserID, &w.Asset, &amount, &w.Address, &status, &w.Note,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.ID = uuidString(id)
	w.Status = models.WithdrawalStatus(status)
	amt, err := decimalFromNumeric(amount)
	if err != nil {
		return nil, err
	}
	w.Amount = amt
	return &w, nil
}

func uuidFromString(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, err
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func uuidString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}

func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{
		Int:   new(big.Int).Set(d.Coefficient()),
		Exp:   d.Exponent(),
		Valid: true,
	}
}

func decimalFromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("non-finite numeric")
	}
	if n.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

func decimalsFromNumerics(src []pgtype.Numeric, dst []*decimal.Decimal) error {
	for i := range src {
		d, err := decimalFromNumeric(src[i])
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

var _ store.Store = (*Store)(nil)
