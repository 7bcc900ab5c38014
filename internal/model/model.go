// Package model defines the core domain types shared across the matching engine.
// All prices, quantities and balances use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
)

// Resting reports whether an order in this status belongs in the book.
func (s OrderStatus) Resting() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// Topic is a binary-outcome question. Each topic has two markets,
// "{id}-yes-usd" and "{id}-no-usd".
type Topic struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Order is a limit order. While resident it is owned exclusively by the
// order book of its market. Seq is the engine's arrival counter; it breaks
// ties between orders created in the same clock tick.
type Order struct {
	ID                string          `json:"orderId" db:"id"`
	Seq               int64           `json:"seq" db:"seq"`
	UserID            string          `json:"userId" db:"user_id"`
	Market            string          `json:"market" db:"market"`
	Side              Side            `json:"side" db:"side"`
	Price             decimal.Decimal `json:"price" db:"price"`
	OriginalQuantity  decimal.Decimal `json:"originalQuantity" db:"original_quantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity" db:"remaining_quantity"`
	Status            OrderStatus     `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
}

// Trade is an immutable record of one fill between a buyer and a seller.
// The price is always the resting (maker) order's price.
type Trade struct {
	ID          string          `json:"tradeId" db:"id"`
	Market      string          `json:"market" db:"market"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	BuyerID     string          `json:"buyerId" db:"buyer_id"`
	SellerID    string          `json:"sellerId" db:"seller_id"`
	BuyOrderID  string          `json:"buyOrderId" db:"buy_order_id"`
	SellOrderID string          `json:"sellOrderId" db:"sell_order_id"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Balances maps asset id to amount for a single user.
type Balances map[string]decimal.Decimal

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
