// Package orderbook implements a per-market limit order book with
// price-time priority.
//
// Each side is a B-tree of price levels ordered best-first (bids descending,
// asks ascending); orders within a level are kept in arrival order. Books are
// not safe for concurrent use: the matching engine's single consumer loop is
// the only goroutine that touches them.
package orderbook

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
)

// ErrOrderNotFound is returned when no resident order matches an id and owner.
var ErrOrderNotFound = errors.New("orderbook: order not found")

const treeDegree = 32

type level struct {
	price  decimal.Decimal
	orders []*model.Order
}

type bookSide struct {
	side   model.Side
	levels *btree.BTreeG[*level]
}

func newBookSide(s model.Side) *bookSide {
	less := func(a, b *level) bool { return a.price.LessThan(b.price) }
	if s == model.SideBuy {
		less = func(a, b *level) bool { return a.price.GreaterThan(b.price) }
	}
	return &bookSide{side: s, levels: btree.NewG[*level](treeDegree, less)}
}

func (bs *bookSide) levelAt(price decimal.Decimal) (*level, bool) {
	return bs.levels.Get(&level{price: price})
}

// Fill is one execution against a resting order. Maker is a copy of the
// resting order taken after the fill was applied.
type Fill struct {
	Maker    model.Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Book holds the resident orders of one market.
type Book struct {
	Market string
	bids   *bookSide
	asks   *bookSide
	index  map[string]*model.Order
}

// New creates an empty book for a market.
func New(market string) *Book {
	return &Book{
		Market: market,
		bids:   newBookSide(model.SideBuy),
		asks:   newBookSide(model.SideSell),
		index:  make(map[string]*model.Order),
	}
}

func (b *Book) sideOf(s model.Side) *bookSide {
	if s == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// Insert makes o resident behind every order already resting at its price.
func (b *Book) Insert(o *model.Order) error {
	if !o.RemainingQuantity.IsPositive() {
		return fmt.Errorf("orderbook: insert %s: remaining quantity must be positive", o.ID)
	}
	if _, dup := b.index[o.ID]; dup {
		return fmt.Errorf("orderbook: insert %s: duplicate order id", o.ID)
	}
	bs := b.sideOf(o.Side)
	lvl, ok := bs.levelAt(o.Price)
	if !ok {
		lvl = &level{price: o.Price}
		bs.levels.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, o)
	b.index[o.ID] = o
	return nil
}

// crosses reports whether an incoming order at price in may execute
// against a resting order at price resting.
func crosses(s model.Side, in, resting decimal.Decimal) bool {
	if s == model.SideBuy {
		return in.GreaterThanOrEqual(resting)
	}
	return in.LessThanOrEqual(resting)
}

// Match executes the incoming order against the opposite side in priority
// order and returns the fills. Execution happens at the resting order's
// price. Fully filled resting orders leave the book. The incoming order's
// remaining quantity and status are updated in place; it is not inserted.
func (b *Book) Match(in *model.Order) []Fill {
	opp := b.sideOf(in.Side.Opposite())
	var fills []Fill

	for in.RemainingQuantity.IsPositive() {
		best, ok := opp.levels.Min()
		if !ok || !crosses(in.Side, in.Price, best.price) {
			break
		}

		for len(best.orders) > 0 && in.RemainingQuantity.IsPositive() {
			maker := best.orders[0]
			qty := decimal.Min(in.RemainingQuantity, maker.RemainingQuantity)

			in.RemainingQuantity = in.RemainingQuantity.Sub(qty)
			maker.RemainingQuantity = maker.RemainingQuantity.Sub(qty)

			if maker.RemainingQuantity.IsZero() {
				maker.Status = model.StatusFilled
				best.orders[0] = nil
				best.orders = best.orders[1:]
				delete(b.index, maker.ID)
			} else {
				maker.Status = model.StatusPartiallyFilled
			}

			fills = append(fills, Fill{Maker: *maker, Price: best.price, Quantity: qty})
		}

		if len(best.orders) == 0 {
			opp.levels.Delete(best)
		}
	}

	switch {
	case in.RemainingQuantity.IsZero():
		in.Status = model.StatusFilled
	case len(fills) > 0:
		in.Status = model.StatusPartiallyFilled
	default:
		in.Status = model.StatusOpen
	}
	return fills
}

// Lookup returns the resident order with the given id.
func (b *Book) Lookup(orderID string) (*model.Order, bool) {
	o, ok := b.index[orderID]
	return o, ok
}

// Cancel removes the resident order with the given id if userID owns it.
// The returned order is marked CANCELED and keeps its remaining quantity.
func (b *Book) Cancel(orderID, userID string) (*model.Order, error) {
	o, ok := b.index[orderID]
	if !ok || o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	bs := b.sideOf(o.Side)
	if lvl, ok := bs.levelAt(o.Price); ok {
		for i, resting := range lvl.orders {
			if resting.ID == orderID {
				lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
				break
			}
		}
		if len(lvl.orders) == 0 {
			bs.levels.Delete(lvl)
		}
	}
	delete(b.index, orderID)

	o.Status = model.StatusCanceled
	return o, nil
}

// Orders returns copies of the resident orders of one side in priority order.
func (b *Book) Orders(s model.Side) []model.Order {
	var out []model.Order
	b.sideOf(s).levels.Ascend(func(lvl *level) bool {
		for _, o := range lvl.orders {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// Len returns the number of resident orders.
func (b *Book) Len() int {
	return len(b.index)
}

// Books is the set of order books, one per market, created on first use.
type Books struct {
	books map[string]*Book
}

// NewBooks creates an empty book set.
func NewBooks() *Books {
	return &Books{books: make(map[string]*Book)}
}

// GetOrCreate returns the book for market, creating an empty one if needed.
func (bs *Books) GetOrCreate(market string) *Book {
	b, ok := bs.books[market]
	if !ok {
		b = New(market)
		bs.books[market] = b
	}
	return b
}

// Get returns the book for market if it exists.
func (bs *Books) Get(market string) (*Book, bool) {
	b, ok := bs.books[market]
	return b, ok
}

// Cancel removes a resident order from whichever book holds it.
func (bs *Books) Cancel(orderID, userID string) (*model.Order, error) {
	for _, b := range bs.books {
		if _, ok := b.Lookup(orderID); ok {
			return b.Cancel(orderID, userID)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// Markets returns the ids of all books, sorted.
func (bs *Books) Markets() []string {
	out := make([]string, 0, len(bs.books))
	for m := range bs.books {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// OpenOrders returns userID's resident orders, limited to one market when
// market is non-empty. Markets are visited in sorted order, bids before asks.
func (bs *Books) OpenOrders(userID, market string) []model.Order {
	markets := bs.Markets()
	if market != "" {
		markets = []string{market}
	}

	out := []model.Order{}
	for _, m := range markets {
		b, ok := bs.books[m]
		if !ok {
			continue
		}
		for _, s := range []model.Side{model.SideBuy, model.SideSell} {
			for _, o := range b.Orders(s) {
				if o.UserID == userID {
					out = append(out, o)
				}
			}
		}
	}
	return out
}
