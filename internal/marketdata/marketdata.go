// Package marketdata turns order-book state and fills into broadcast
// payloads and hands them to one or more Broadcasters off the matching path.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/orderbook"
)

// Level is one aggregated price row.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is the order-book broadcast payload.
type BookSnapshot struct {
	Market string  `json:"market"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// TradePrint is the trade broadcast payload.
type TradePrint struct {
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event kinds used on multiplexed transports.
const (
	KindDepth = "depth"
	KindTrade = "trade"
)

// Message wraps a payload for transports that carry both kinds on one
// stream (Kafka, websocket).
type Message struct {
	Type   string          `json:"type"`
	Market string          `json:"market"`
	Data   json.RawMessage `json:"data"`
}

func encode(kind, market string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: kind, Market: market, Data: data})
}

// Aggregate groups orders by price and sums their remaining quantity. Orders
// must be in book priority order; the rows come out best price first.
func Aggregate(orders []model.Order) []Level {
	levels := make([]Level, 0, len(orders))
	for _, o := range orders {
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(o.RemainingQuantity)
			continue
		}
		levels = append(levels, Level{Price: o.Price, Quantity: o.RemainingQuantity})
	}
	return levels
}

// Snapshot aggregates both sides of a book.
func Snapshot(b *orderbook.Book) BookSnapshot {
	return BookSnapshot{
		Market: b.Market,
		Bids:   Aggregate(b.Orders(model.SideBuy)),
		Asks:   Aggregate(b.Orders(model.SideSell)),
	}
}

// Print builds the broadcast payload for a trade.
func Print(t model.Trade) TradePrint {
	return TradePrint{
		Market:    t.Market,
		Price:     t.Price,
		Quantity:  t.Quantity,
		Buyer:     t.BuyerID,
		Seller:    t.SellerID,
		Timestamp: t.Timestamp,
	}
}

// Broadcaster delivers market data to subscribers and keeps the latest
// snapshot per market for late joiners.
type Broadcaster interface {
	PublishBook(ctx context.Context, s BookSnapshot) error
	PublishTrade(ctx context.Context, t TradePrint) error
}

// Multi fans out to every broadcaster and reports all failures.
type Multi []Broadcaster

func (m Multi) PublishBook(ctx context.Context, s BookSnapshot) error {
	var errs []error
	for _, b := range m {
		if err := b.PublishBook(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishTrade(ctx context.Context, t TradePrint) error {
	var errs []error
	for _, b := range m {
		if err := b.PublishTrade(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
