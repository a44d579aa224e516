// Package ticker keeps the last trade and rolling-window statistics per pair,
// fed from the trade feed.
package ticker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

type Quote struct {
	Pair      string          `json:"pair"`
	Last      decimal.Decimal `json:"last"`
	LastQty   decimal.Decimal `json:"last_quantity"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"` // base, within the window
	Trades    int             `json:"trades"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type point struct {
	price, qty decimal.Decimal
	at         time.Time
}

type series struct {
	last   models.Trade
	points []point // oldest first
}

// Cache stores the latest quote of each pair in memory.
type Cache struct {
	mu     sync.RWMutex
	window time.Duration
	pairs  map[string]*series
	now    func() time.Time
	log    *zap.Logger
}

func NewCache(window time.Duration, log *zap.Logger) *Cache {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		window: window,
		pairs:  make(map[string]*series),
		now:    time.Now,
		log:    log.Named("ticker"),
	}
}

// PublishTrade records t; trades older than the current last are kept in
// the window but do not move the last price.
func (c *Cache) PublishTrade(_ context.Context, t models.Trade) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(t)
	return nil
}

// Seed loads history, e.g. the recent trades of a pair at startup.
func (c *Cache) Seed(trades []models.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range trades {
		c.add(t)
	}
}

func (c *Cache) add(t models.Trade) {
	if c.now().Sub(t.CreatedAt) > c.window {
		return
	}
	s, ok := c.pairs[t.Pair]
	if !ok {
		s = &series{}
		c.pairs[t.Pair] = s
	}
	if s.last.ID == "" || !t.CreatedAt.Before(s.last.CreatedAt) {
		s.last = t
	}
	p := point{price: t.Price, qty: t.Quantity, at: t.CreatedAt}
	i := len(s.points)
	for i > 0 && s.points[i-1].at.After(p.at) {
		i--
	}
	s.points = append(s.points, point{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = p
}

func (c *Cache) Get(pair string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.pairs[pair]
	if !ok {
		return Quote{}, false
	}

	q := Quote{
		Pair:      pair,
		Last:      s.last.Price,
		LastQty:   s.last.Quantity,
		Volume:    decimal.Zero,
		UpdatedAt: s.last.CreatedAt,
	}
	cutoff := c.now().Add(-c.window)
	for _, p := range s.points {
		if p.at.Before(cutoff) {
			continue
		}
		if q.Trades == 0 || p.price.GreaterThan(q.High) {
			q.High = p.price
		}
		if q.Trades == 0 || p.price.LessThan(q.Low) {
			q.Low = p.price
		}
		q.Volume = q.Volume.Add(p.qty)
		q.Trades++
	}
	return q, true
}

// Prune drops points that left the window. The last trade is always kept.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.window)
	dropped := 0
	for _, s := range c.pairs {
		i := 0
		for i < len(s.points) && s.points[i].at.Before(cutoff) {
			i++
		}
		dropped += i
		s.points = s.points[i:]
	}
	return dropped
}

// Run prunes the window every interval until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				c.log.Debug("pruned ticker window", zap.Int("points", n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
