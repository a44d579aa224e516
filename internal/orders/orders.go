// Package orders owns order rows: insertion, priority retrieval, fills and
// cancellation. All functions run inside the caller's store.Tx.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

// ErrInvalidFill marks a fill the order cannot absorb.
var ErrInvalidFill = errors.New("invalid fill")

func invalidFill(format string, args ...any) error {
	return apperr.Wrap(apperr.KindInvalidState, ErrInvalidFill, fmt.Sprintf(format, args...))
}

// Insert stores a new OPEN order with nothing filled.
func Insert(ctx context.Context, tx store.Tx, o *models.Order) error {
	switch {
	case o.ID == "" || o.UserID == "" || o.Pair == "":
		return apperr.New(apperr.KindInvalidArgument, "order id, owner and pair are required")
	case !o.Price.IsPositive():
		return apperr.New(apperr.KindInvalidArgument, "price must be positive")
	case !o.Quantity.IsPositive():
		return apperr.New(apperr.KindInvalidArgument, "quantity must be positive")
	case o.Reserved.IsNegative():
		return apperr.New(apperr.KindInvalidArgument, "reserved must not be negative")
	}
	o.Filled = decimal.Zero
	o.Status = models.StatusOpen
	return tx.InsertOrder(ctx, o)
}

func Get(ctx context.Context, tx store.Tx, id string) (*models.Order, error) {
	return tx.Order(ctx, id)
}

// OpenOrders returns the resting orders of one book side in priority order.
func OpenOrders(ctx context.Context, tx store.Tx, pair string, side models.Side) ([]*models.Order, error) {
	return tx.OpenOrders(ctx, pair, side)
}

type Fill struct {
	Quantity decimal.Decimal
	// ReserveUsed is how much of the order's reservation the fill consumes.
	ReserveUsed decimal.Decimal
}

type FillResult struct {
	Order *models.Order
	// Released is the reservation left over when the order became FILLED;
	// the caller returns it to the owner.
	Released decimal.Decimal
}

// ApplyFill adds f to the order's filled quantity and recomputes its status.
func ApplyFill(ctx context.Context, tx store.Tx, id string, f Fill) (FillResult, error) {
	o, err := tx.Order(ctx, id)
	if err != nil {
		return FillResult{}, err
	}
	if o.Status != models.StatusOpen {
		return FillResult{}, invalidFill("order %s is %s", id, o.Status)
	}
	if !f.Quantity.IsPositive() {
		return FillResult{}, invalidFill("fill of %s on order %s", f.Quantity, id)
	}
	if f.Quantity.GreaterThan(o.Remaining()) {
		return FillResult{}, invalidFill("fill of %s exceeds remaining %s on order %s", f.Quantity, o.Remaining(), id)
	}
	if f.ReserveUsed.IsNegative() || f.ReserveUsed.GreaterThan(o.Reserved) {
		return FillResult{}, invalidFill("fill needs %s reserved, order %s holds %s", f.ReserveUsed, id, o.Reserved)
	}

	o.Filled = o.Filled.Add(f.Quantity)
	o.Reserved = o.Reserved.Sub(f.ReserveUsed)
	o.UpdatedAt = time.Now().UTC()

	res := FillResult{Order: o, Released: decimal.Zero}
	if o.Remaining().IsZero() {
		o.Status = models.StatusFilled
		res.Released = o.Reserved
		o.Reserved = decimal.Zero
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return FillResult{}, err
	}
	return res, nil
}

type CancelResult struct {
	Order     *models.Order
	Remaining decimal.Decimal
	// Released is the reservation to hand back to the owner.
	Released decimal.Decimal
}

// Cancel moves an OPEN order owned by requester to CANCELED.
func Cancel(ctx context.Context, tx store.Tx, id, requester string) (CancelResult, error) {
	o, err := tx.Order(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if o.UserID != requester {
		return CancelResult{}, apperr.New(apperr.KindForbidden, "order %s belongs to another user", id)
	}
	if o.Status != models.StatusOpen {
		return CancelResult{}, apperr.New(apperr.KindInvalidState, "order %s is %s", id, o.Status)
	}

	res := CancelResult{Order: o, Remaining: o.Remaining(), Released: o.Reserved}
	o.Status = models.StatusCanceled
	o.Reserved = decimal.Zero
	o.HaltReason = ""
	o.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

// Halt records that matching must skip the OPEN order until it is resumed.
func Halt(ctx context.Context, tx store.Tx, id, reason string) (*models.Order, error) {
	o, err := tx.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != models.StatusOpen {
		return nil, apperr.New(apperr.KindInvalidState, "order %s is %s", id, o.Status)
	}
	if reason == "" {
		reason = "halted"
	}
	o.HaltReason = reason
	o.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Resume clears the halt of an OPEN order.
func Resume(ctx context.Context, tx store.Tx, id string) (*models.Order, error) {
	o, err := tx.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != models.StatusOpen || !o.Halted() {
		return nil, apperr.New(apperr.KindInvalidState, "order %s is not halted", id)
	}
	o.HaltReason = ""
	o.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}
