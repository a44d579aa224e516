package store

import (
	"sort"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

// SortByPriority orders resting orders of one side by price then time priority.
func SortByPriority(orders []*models.Order, side models.Side) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if c := a.Price.Cmp(b.Price); c != 0 {
			if side == models.SideBuy {
				return c > 0
			}
			return c < 0
		}
		return a.Seq < b.Seq
	})
}
