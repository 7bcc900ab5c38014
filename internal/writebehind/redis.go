package writebehind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/matching-engine/internal/protocol"
)

// RedisQueue stores entries in a Redis list shared with an out-of-process
// drainer. Producers LPUSH; the consumer moves the oldest entry into a
// processing list and removes it from there on Ack, so an entry survives a
// drainer crash.
type RedisQueue struct {
	rdb        *redis.Client
	name       string
	processing string
	poll       time.Duration
}

func NewRedisQueue(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		rdb:        rdb,
		name:       name,
		processing: name + ":processing",
		poll:       time.Second,
	}
}

// Name returns the list key.
func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) Push(ctx context.Context, e protocol.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("push %s: %w", q.name, err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (protocol.Entry, error) {
	for {
		// An entry left in processing was taken but never acknowledged.
		raw, err := q.rdb.LIndex(ctx, q.processing, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return protocol.Entry{}, fmt.Errorf("peek %s: %w", q.processing, err)
		}
		if err == nil {
			return decode(raw)
		}

		raw, err = q.rdb.BLMove(ctx, q.name, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return protocol.Entry{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Entry{}, ctx.Err()
			}
			return protocol.Entry{}, fmt.Errorf("take %s: %w", q.name, err)
		}
		return decode(raw)
	}
}

func (q *RedisQueue) Ack(ctx context.Context) error {
	err := q.rdb.RPop(ctx, q.processing).Err()
	if errors.Is(err, redis.Nil) {
		return ErrEmpty
	}
	return err
}

// Len counts waiting entries plus the one in flight.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.name)
	inFlight := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return waiting.Val() + inFlight.Val(), nil
}

func decode(raw string) (protocol.Entry, error) {
	var e protocol.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return protocol.Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return e, nil
}
