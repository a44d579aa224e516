package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

func trade(id, price, qty string, at time.Time) models.Trade {
	return models.Trade{
		ID: id, Pair: "USDX-PI",
		Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty),
		CreatedAt: at,
	}
}

func TestQuoteTracksLastAndWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(time.Hour, nil)
	c.now = func() time.Time { return now }

	_, ok := c.Get("USDX-PI")
	assert.False(t, ok)

	ctx := context.Background()
	require.NoError(t, c.PublishTrade(ctx, trade("t1", "4", "10", now.Add(-30*time.Minute))))
	require.NoError(t, c.PublishTrade(ctx, trade("t2", "6", "1", now.Add(-10*time.Minute))))
	require.NoError(t, c.PublishTrade(ctx, trade("t0", "5", "2", now.Add(-20*time.Minute))))

	q, ok := c.Get("USDX-PI")
	require.True(t, ok)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(6)), "late delivery must not move last")
	assert.True(t, q.High.Equal(decimal.NewFromInt(6)))
	assert.True(t, q.Low.Equal(decimal.NewFromInt(4)))
	assert.True(t, q.Volume.Equal(decimal.NewFromInt(13)))
	assert.Equal(t, 3, q.Trades)

	now = now.Add(35 * time.Minute)
	assert.Equal(t, 1, c.Prune())
	q, _ = c.Get("USDX-PI")
	assert.Equal(t, 2, q.Trades)
	assert.True(t, q.Low.Equal(decimal.NewFromInt(5)))
}

func TestSeedIgnoresTradesOutsideWindow(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Hour, nil)
	c.Seed([]models.Trade{trade("old", "1", "1", now.Add(-2*time.Hour))})

	_, ok := c.Get("USDX-PI")
	assert.False(t, ok)
}
