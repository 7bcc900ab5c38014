package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	topics   map[string]*model.Topic
	orders   map[string]*model.Order
	trades   []model.Trade
	balances map[string]model.Balances
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics:   make(map[string]*model.Topic),
		orders:   make(map[string]*model.Order),
		balances: make(map[string]model.Balances),
	}
}

// CreateTopic registers a topic.
func (s *MemoryStore) CreateTopic(_ context.Context, t *model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[t.ID]; ok {
		return fmt.Errorf("topic %s already exists", t.ID)
	}
	cp := *t
	s.topics[t.ID] = &cp
	return nil
}

// CreateUser registers a user with starting balances.
func (s *MemoryStore) CreateUser(_ context.Context, userID string, balances model.Balances) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.balances[userID]; ok {
		return fmt.Errorf("user %s already exists", userID)
	}
	if balances == nil {
		balances = model.Balances{}
	}
	s.balances[userID] = balances.Clone()
	return nil
}

func (s *MemoryStore) ListTopics(_ context.Context) ([]model.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]model.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, *t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].ID < topics[j].ID })
	return topics, nil
}

func (s *MemoryStore) GetTopic(_ context.Context, id string) (*model.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[id]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.Status.Resting() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return arrivedBefore(&orders[i], &orders[j]) })
	return orders, nil
}

// arrivedBefore orders by arrival sequence, then creation time and id for
// orders written without a sequence.
func arrivedBefore(a, b *model.Order) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) GetUserBalances(_ context.Context, userID string) (model.Balances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return nil
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, orderID string, status model.OrderStatus, remaining decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	o.Status = status
	o.RemainingQuantity = remaining
	return nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.trades {
		if existing.ID == t.ID {
			return nil
		}
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, userID, asset string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		b = model.Balances{}
		s.balances[userID] = b
	}
	b[asset] = balance
	return nil
}

// GetOrder returns a stored order. Used by tests.
func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// Trades returns all stored trades in insertion order.
func (s *MemoryStore) Trades() []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}
