package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
)

type Order struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Pair     string          `json:"pair"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`    // quote per base
	Quantity decimal.Decimal `json:"quantity"` // base
	Filled   decimal.Decimal `json:"filled"`
	// Reserved is what is still locked against this order: quote for a BUY, base for a SELL.
	Reserved decimal.Decimal `json:"reserved"`
	Status   OrderStatus     `json:"status"`
	Seq      int64           `json:"seq"` // submission sequence, time priority
	// HaltReason is set while matching skips the order after a failed settlement.
	HaltReason string    `json:"halt_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

func (o *Order) Halted() bool {
	return o.HaltReason != ""
}

// Resting reports whether the order can still be matched.
func (o *Order) Resting() bool {
	return o.Status == StatusOpen && o.Remaining().IsPositive()
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}
