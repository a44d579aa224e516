package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

const bpsDenominator = 10000

// FeeSchedule maps a fill role to its rate in basis points of the notional.
type FeeSchedule struct {
	rates map[models.Role]int64
	scale int32
}

// NewFeeSchedule builds a schedule; fees are truncated to scale decimals.
func NewFeeSchedule(takerBps, makerBps int64, scale int32) (FeeSchedule, error) {
	switch {
	case makerBps < 0 || takerBps < 0:
		return FeeSchedule{}, fmt.Errorf("fee rates must not be negative")
	case takerBps > bpsDenominator:
		return FeeSchedule{}, fmt.Errorf("taker fee %d bps exceeds 100%%", takerBps)
	case takerBps < makerBps:
		return FeeSchedule{}, fmt.Errorf("taker fee %d bps is below maker fee %d bps", takerBps, makerBps)
	case scale < 0:
		return FeeSchedule{}, fmt.Errorf("fee scale must not be negative")
	}
	return FeeSchedule{
		rates: map[models.Role]int64{
			models.RoleTaker: takerBps,
			models.RoleMaker: makerBps,
		},
		scale: scale,
	}, nil
}

func (f FeeSchedule) Rate(role models.Role) int64 {
	return f.rates[role]
}

func (f FeeSchedule) Scale() int32 {
	return f.scale
}

// Fee is notional * rate / 10000, truncated so it never exceeds the exact value.
func (f FeeSchedule) Fee(role models.Role, notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(decimal.New(f.rates[role], -4)).Truncate(f.scale)
}

// BuyReserve is what a BUY locks at submission: its limit notional plus the
// fee on it at the highest rate. Fills at or under the limit never need more,
// since truncated fees of parts never sum above the truncated fee of the whole.
func (f FeeSchedule) BuyReserve(price, qty decimal.Decimal) decimal.Decimal {
	notional := price.Mul(qty)
	return notional.Add(f.Fee(models.RoleTaker, notional))
}

// roles returns the roles of bid and ask in a fill: the later submission
// crossed into the earlier one and is the taker.
func roles(bid, ask *models.Order) (bidRole, askRole models.Role) {
	if bid.Seq > ask.Seq {
		return models.RoleTaker, models.RoleMaker
	}
	return models.RoleMaker, models.RoleTaker
}
