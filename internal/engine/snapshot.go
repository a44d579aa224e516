package engine

import (
	"time"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

// BookSnapshot is an immutable view of a pair published after each
// committed command. Readers never see a fill that has not committed.
type BookSnapshot struct {
	Pair      string         `json:"pair"`
	Bids      []BookEntry    `json:"bids"`
	Asks      []BookEntry    `json:"asks"`
	BidLevels []Level        `json:"bid_levels"`
	AskLevels []Level        `json:"ask_levels"`
	Trades    []models.Trade `json:"trades"`
	Halted    []HaltedOrder  `json:"halted,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Top returns a copy cut to depth entries per side.
func (s *BookSnapshot) Top(depth int) *BookSnapshot {
	c := *s
	c.Bids = s.Bids[:min(depth, len(s.Bids))]
	c.Asks = s.Asks[:min(depth, len(s.Asks))]
	c.BidLevels = s.BidLevels[:min(depth, len(s.BidLevels))]
	c.AskLevels = s.AskLevels[:min(depth, len(s.AskLevels))]
	return &c
}
