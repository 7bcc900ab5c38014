// Package ledger holds per-user, per-asset balances for the matching engine.
//
// Reservation is an immediate debit: there is no available/locked split. A
// user's balances are fetched from the store on first reference and cached
// for the lifetime of the engine; changes made to the store behind the
// engine's back are not observed.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
	"github.com/atmx/matching-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a reservation exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUserNotFound is returned for users unknown to both the cache and
	// the store.
	ErrUserNotFound = errors.New("ledger: user not found")

	// ErrNegativeAmount is returned for reserve or credit of a negative amount.
	ErrNegativeAmount = errors.New("ledger: amount must not be negative")
)

// Loader fetches a user's authoritative balance snapshot. It returns an
// error wrapping store.ErrNotFound for unknown users.
type Loader interface {
	GetUserBalances(ctx context.Context, userID string) (model.Balances, error)
}

// Ledger is not safe for concurrent use; it is owned by the engine loop.
type Ledger struct {
	loader Loader
	users  map[string]model.Balances
}

// New creates a ledger that lazily loads users through loader.
func New(loader Loader) *Ledger {
	return &Ledger{
		loader: loader,
		users:  make(map[string]model.Balances),
	}
}

// Load makes sure userID is cached, fetching the snapshot once.
func (l *Ledger) Load(ctx context.Context, userID string) error {
	if _, ok := l.users[userID]; ok {
		return nil
	}
	balances, err := l.loader.GetUserBalances(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return fmt.Errorf("load balances for %s: %w", userID, err)
	}
	if balances == nil {
		balances = model.Balances{}
	}
	l.users[userID] = balances.Clone()
	return nil
}

// Ensure is Load, except that an unknown user gets an empty balance map.
func (l *Ledger) Ensure(ctx context.Context, userID string) error {
	err := l.Load(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		l.users[userID] = model.Balances{}
		return nil
	}
	return err
}

// Reserve debits amount of asset from userID and returns the new balance.
// It fails without side effects when the balance is below amount.
func (l *Ledger) Reserve(userID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	balances, ok := l.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	current := balances[asset]
	if current.LessThan(amount) {
		return current, fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientFunds, userID, current, asset, amount)
	}
	next := current.Sub(amount)
	balances[asset] = next
	return next, nil
}

// Credit adds amount of asset to userID and returns the new balance.
func (l *Ledger) Credit(userID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	balances, ok := l.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	next := balances[asset].Add(amount)
	balances[asset] = next
	return next, nil
}

// Balance returns the cached balance of one asset; zero if absent.
func (l *Ledger) Balance(userID, asset string) decimal.Decimal {
	return l.users[userID][asset]
}

// Balances returns a copy of a cached user's balances.
func (l *Ledger) Balances(userID string) (model.Balances, bool) {
	b, ok := l.users[userID]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}
