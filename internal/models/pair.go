package models

import (
	"fmt"
	"strings"
)

// Pair is a market: quantities are in Base, prices in Quote per Base.
type Pair struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Base   string `json:"base" yaml:"base"`
	Quote  string `json:"quote" yaml:"quote"`
}

func (p Pair) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("pair symbol is required")
	}
	if p.Base == "" || p.Quote == "" {
		return fmt.Errorf("pair %s: base and quote are required", p.Symbol)
	}
	if p.Base == p.Quote {
		return fmt.Errorf("pair %s: base and quote must differ", p.Symbol)
	}
	return nil
}

// ReserveAsset is the asset locked by an order on the given side.
func (p Pair) ReserveAsset(side Side) string {
	if side == SideBuy {
		return p.Quote
	}
	return p.Base
}
