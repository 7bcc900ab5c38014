package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DepthChannel and TradeChannel name the pub/sub channels for a market.
func DepthChannel(market string) string { return "depth@" + market }
func TradeChannel(market string) string { return "trade@" + market }

func latestKey(market string) string { return "latest:" + DepthChannel(market) }

// RedisBroadcaster publishes raw payloads on per-market channels for an
// external websocket tier, and caches the latest snapshot under a key.
type RedisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (r *RedisBroadcaster) PublishBook(ctx context.Context, s BookSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, latestKey(s.Market), data, 0)
	pipe.Publish(ctx, DepthChannel(s.Market), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis depth %s: %w", s.Market, err)
	}
	return nil
}

func (r *RedisBroadcaster) PublishTrade(ctx context.Context, t TradePrint) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, TradeChannel(t.Market), data).Err(); err != nil {
		return fmt.Errorf("redis trade %s: %w", t.Market, err)
	}
	return nil
}

// Latest returns the cached snapshot for market. ok is false when nothing
// has been published yet.
func (r *RedisBroadcaster) Latest(ctx context.Context, market string) (s BookSnapshot, ok bool, err error) {
	data, err := r.rdb.Get(ctx, latestKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return BookSnapshot{}, false, nil
	}
	if err != nil {
		return BookSnapshot{}, false, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return BookSnapshot{}, false, err
	}
	return s, true, nil
}
