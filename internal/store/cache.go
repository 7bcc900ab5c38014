package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for topics. Topics never change once created, so a cached topic is
// never stale. Balances and orders are read from the primary: they change
// behind the engine through the write-behind queue.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	data, err := s.rdb.Get(ctx, topicKey(id)).Bytes()
	if err == nil {
		var t model.Topic
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTopic(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTopic(ctx, t)
	return t, nil
}

// ListTopics reads from the primary and warms the cache with every topic.
func (s *CachedStore) ListTopics(ctx context.Context) ([]model.Topic, error) {
	topics, err := s.primary.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	for i := range topics {
		s.cacheTopic(ctx, &topics[i])
	}
	return topics, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRestingOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListRestingOrders(ctx)
}

func (s *CachedStore) GetUserBalances(ctx context.Context, userID string) (model.Balances, error) {
	return s.primary.GetUserBalances(ctx, userID)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, orderID string, status model.OrderStatus, remaining decimal.Decimal) error {
	return s.primary.UpdateOrder(ctx, orderID, status, remaining)
}

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.CreateTrade(ctx, t)
}

func (s *CachedStore) UpdateBalance(ctx context.Context, userID, asset string, balance decimal.Decimal) error {
	return s.primary.UpdateBalance(ctx, userID, asset, balance)
}

// --- Cache helpers ---

func (s *CachedStore) cacheTopic(ctx context.Context, t *model.Topic) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, topicKey(t.ID), data, s.ttl)
	}
}

func topicKey(id string) string { return fmt.Sprintf("topic:%s", id) }
