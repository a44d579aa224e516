package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleMaker Role = "MAKER"
	RoleTaker Role = "TAKER"
)

// Trade is immutable once recorded.
type Trade struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	MakerSide    Side            `json:"maker_side"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	BuyerFee     decimal.Decimal `json:"buyer_fee"`
	SellerFee    decimal.Decimal `json:"seller_fee"`
	Fee          decimal.Decimal `json:"fee"` // total, quote asset
	CreatedAt    time.Time       `json:"created_at"`
}

func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}
