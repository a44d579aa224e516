// Package feed fans committed trades out to live subscribers.
package feed

import (
	"context"
	"errors"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

type Publisher interface {
	PublishTrade(ctx context.Context, t models.Trade) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) PublishTrade(ctx context.Context, t models.Trade) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishTrade(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TradeEvent is the wire shape of a published trade.
type TradeEvent struct {
	Type  string       `json:"type"`
	Pair  string       `json:"pair"`
	Trade models.Trade `json:"trade"`
}

func NewTradeEvent(t models.Trade) TradeEvent {
	return TradeEvent{Type: "trade", Pair: t.Pair, Trade: t}
}

// TradeChannel is the websocket channel carrying trades of pair.
func TradeChannel(pair string) string {
	return "trades:" + pair
}
