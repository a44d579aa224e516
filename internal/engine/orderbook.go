package engine

import (
	"container/list"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

// bookOrder is the part of a resting order the depth view needs.
type bookOrder struct {
	ID        string
	Price     decimal.Decimal
	Remaining decimal.Decimal
	Seq       int64
}

// priceLevel holds FIFO orders for one price.
type priceLevel struct {
	price  decimal.Decimal
	orders *list.List // of *bookOrder, lowest Seq first
}

type orderRef struct {
	side models.Side
	key  string
	elem *list.Element
}

// OrderBook mirrors the committed resting orders of one pair. It is owned by
// the pair worker and never touched by other goroutines.
type OrderBook struct {
	// key = canonical price string
	bids map[string]*priceLevel
	asks map[string]*priceLevel

	bidPrices []decimal.Decimal // sorted desc
	askPrices []decimal.Decimal // sorted asc

	ordersByID map[string]*orderRef
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:       make(map[string]*priceLevel),
		asks:       make(map[string]*priceLevel),
		ordersByID: make(map[string]*orderRef),
	}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

func (b *OrderBook) Len() int {
	return len(b.ordersByID)
}

// AddOrder inserts or replaces o. Orders that are not resting are removed.
func (b *OrderBook) AddOrder(o *models.Order) {
	b.CancelOrder(o.ID)
	if !o.Resting() {
		return
	}

	levels, key := b.bids, priceKey(o.Price)
	if o.Side == models.SideSell {
		levels = b.asks
	}
	lvl, ok := levels[key]
	if !ok {
		lvl = &priceLevel{price: o.Price, orders: list.New()}
		levels[key] = lvl
		b.insertPrice(o.Side, o.Price)
	}

	bo := &bookOrder{ID: o.ID, Price: o.Price, Remaining: o.Remaining(), Seq: o.Seq}
	// keep time priority when an older order is re-added
	var elem *list.Element
	for e := lvl.orders.Back(); e != nil; e = e.Prev() {
		if e.Value.(*bookOrder).Seq < bo.Seq {
			elem = lvl.orders.InsertAfter(bo, e)
			break
		}
	}
	if elem == nil {
		elem = lvl.orders.PushFront(bo)
	}
	b.ordersByID[o.ID] = &orderRef{side: o.Side, key: key, elem: elem}
}

// UpdateOrder applies the committed state of an order already in the book.
func (b *OrderBook) UpdateOrder(o *models.Order) {
	ref, ok := b.ordersByID[o.ID]
	if !ok || !o.Resting() {
		b.CancelOrder(o.ID)
		return
	}
	ref.elem.Value.(*bookOrder).Remaining = o.Remaining()
}

// CancelOrder removes id from the book and reports whether it was there.
func (b *OrderBook) CancelOrder(id string) bool {
	ref, ok := b.ordersByID[id]
	if !ok {
		return false
	}
	delete(b.ordersByID, id)

	levels := b.bids
	if ref.side == models.SideSell {
		levels = b.asks
	}
	lvl := levels[ref.key]
	lvl.orders.Remove(ref.elem)
	if lvl.orders.Len() == 0 {
		delete(levels, ref.key)
		b.removePrice(ref.side, lvl.price)
	}
	return true
}

func (b *OrderBook) bestBid() *priceLevel {
	if len(b.bidPrices) == 0 {
		return nil
	}
	return b.bids[priceKey(b.bidPrices[0])]
}

func (b *OrderBook) bestAsk() *priceLevel {
	if len(b.askPrices) == 0 {
		return nil
	}
	return b.asks[priceKey(b.askPrices[0])]
}

func (b *OrderBook) insertPrice(side models.Side, p decimal.Decimal) {
	if side == models.SideBuy {
		i := sort.Search(len(b.bidPrices), func(i int) bool { return b.bidPrices[i].LessThan(p) })
		b.bidPrices = append(b.bidPrices, decimal.Zero)
		copy(b.bidPrices[i+1:], b.bidPrices[i:])
		b.bidPrices[i] = p
		return
	}
	i := sort.Search(len(b.askPrices), func(i int) bool { return b.askPrices[i].GreaterThan(p) })
	b.askPrices = append(b.askPrices, decimal.Zero)
	copy(b.askPrices[i+1:], b.askPrices[i:])
	b.askPrices[i] = p
}

func (b *OrderBook) removePrice(side models.Side, p decimal.Decimal) {
	prices := &b.askPrices
	if side == models.SideBuy {
		prices = &b.bidPrices
	}
	for i, q := range *prices {
		if q.Equal(p) {
			*prices = append((*prices)[:i], (*prices)[i+1:]...)
			return
		}
	}
}

// BookEntry is one resting order in a depth view.
type BookEntry struct {
	OrderID   string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Level aggregates the resting quantity at one price.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth returns up to n orders of one side in priority order.
func (b *OrderBook) Depth(side models.Side, n int) []BookEntry {
	levels, prices := b.bids, b.bidPrices
	if side == models.SideSell {
		levels, prices = b.asks, b.askPrices
	}
	out := make([]BookEntry, 0)
	for _, p := range prices {
		for e := levels[priceKey(p)].orders.Front(); e != nil; e = e.Next() {
			if len(out) >= n {
				return out
			}
			bo := e.Value.(*bookOrder)
			out = append(out, BookEntry{OrderID: bo.ID, Price: bo.Price, Remaining: bo.Remaining})
		}
	}
	return out
}

// Levels returns up to n aggregated price levels of one side, best first.
func (b *OrderBook) Levels(side models.Side, n int) []Level {
	levels, prices := b.bids, b.bidPrices
	if side == models.SideSell {
		levels, prices = b.asks, b.askPrices
	}
	out := make([]Level, 0, min(n, len(prices)))
	for _, p := range prices {
		if len(out) >= n {
			break
		}
		lvl := levels[priceKey(p)]
		total := decimal.Zero
		for e := lvl.orders.Front(); e != nil; e = e.Next() {
			total = total.Add(e.Value.(*bookOrder).Remaining)
		}
		out = append(out, Level{Price: lvl.price, Quantity: total, Orders: lvl.orders.Len()})
	}
	return out
}
