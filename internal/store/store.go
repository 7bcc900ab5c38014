// Package store defines the persistence interface for the matching engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
//
// The engine only reads from the store: topics and resting orders at startup,
// and a user's balances on first reference. All writes arrive later through
// the write-behind queue and are applied by a Writer.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
)

// ErrNotFound is returned when a topic or user does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Startup and lazy reads ---

	// ListTopics returns every topic.
	ListTopics(ctx context.Context) ([]model.Topic, error)

	// GetTopic returns one topic or ErrNotFound.
	GetTopic(ctx context.Context, id string) (*model.Topic, error)

	// ListRestingOrders returns all OPEN and PARTIALLY_FILLED orders in
	// arrival order.
	ListRestingOrders(ctx context.Context) ([]model.Order, error)

	// GetUserBalances returns the balances of an existing user, or
	// ErrNotFound.
	GetUserBalances(ctx context.Context, userID string) (model.Balances, error)

	Writer
}

// Writer applies persistence intents produced by the engine. Every method is
// idempotent so that at-least-once redelivery is harmless.
type Writer interface {
	// CreateOrder inserts an order; an existing id is left untouched.
	CreateOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder sets an order's status and remaining quantity.
	UpdateOrder(ctx context.Context, orderID string, status model.OrderStatus, remaining decimal.Decimal) error

	// CreateTrade inserts a trade; an existing id is left untouched.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// UpdateBalance sets the absolute balance of one asset, creating the
	// user if needed.
	UpdateBalance(ctx context.Context, userID, asset string, balance decimal.Decimal) error
}
