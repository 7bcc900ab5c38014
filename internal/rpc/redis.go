package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/matching-engine/internal/protocol"
)

// wireRequest is the JSON pushed onto the request list. ClientID doubles as
// the correlation id and as the pub/sub channel the reply is published on.
type wireRequest struct {
	ClientID string           `json:"clientId"`
	Message  protocol.Request `json:"message"`
}

// RedisBridge is the engine side of the Redis transport: it pops requests
// from a list and publishes each reply on the caller's channel.
type RedisBridge struct {
	rdb     *redis.Client
	queue   string
	channel *Channel
	poll    time.Duration
}

// NewRedisBridge feeds requests from the Redis list queue into ch.
func NewRedisBridge(rdb *redis.Client, queue string, ch *Channel) *RedisBridge {
	return &RedisBridge{
		rdb:     rdb,
		queue:   queue,
		channel: ch,
		poll:    time.Second,
	}
}

// Ping checks that the transport is reachable.
func (b *RedisBridge) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("request transport: %w", err)
	}
	return nil
}

// Run pops requests until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	slog.Info("redis request bridge started", "queue", b.queue)
	for {
		res, err := b.rdb.BRPop(ctx, b.poll, b.queue).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			slog.Warn("request pop failed", "queue", b.queue, "err", err)
			select {
			case <-time.After(b.poll):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		// res is [queue, value].
		env, ok := b.envelope(res[1])
		if !ok {
			continue
		}
		if err := b.channel.Enqueue(ctx, env); err != nil {
			return nil
		}
	}
}

func (b *RedisBridge) envelope(raw string) (Envelope, bool) {
	var wr wireRequest
	if err := json.Unmarshal([]byte(raw), &wr); err != nil || wr.ClientID == "" {
		slog.Warn("dropping unroutable request", "queue", b.queue, "err", err)
		return Envelope{}, false
	}
	clientID := wr.ClientID
	return NewEnvelope(clientID, wr.Message, func(r protocol.Reply) {
		data, err := json.Marshal(r)
		if err != nil {
			slog.Error("encode reply", "client", clientID, "err", err)
			return
		}
		if err := b.rdb.Publish(context.Background(), clientID, data).Err(); err != nil {
			slog.Error("publish reply", "client", clientID, "err", err)
		}
	}), true
}

// RedisClient is the caller side of the Redis transport.
type RedisClient struct {
	rdb   *redis.Client
	queue string
}

// NewRedisClient sends requests through the Redis list queue.
func NewRedisClient(rdb *redis.Client, queue string) *RedisClient {
	return &RedisClient{rdb: rdb, queue: queue}
}

// Send subscribes to a fresh correlation channel, pushes the request and
// waits for the reply or for ctx to end.
func (c *RedisClient) Send(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	id := uuid.NewString()

	sub := c.rdb.Subscribe(ctx, id)
	defer sub.Close()
	// Wait for the subscription to be confirmed so the reply cannot be
	// published before we listen.
	if _, err := sub.Receive(ctx); err != nil {
		return protocol.Reply{}, fmt.Errorf("subscribe %s: %w", id, err)
	}

	data, err := json.Marshal(wireRequest{ClientID: id, Message: req})
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := c.rdb.LPush(ctx, c.queue, data).Err(); err != nil {
		return protocol.Reply{}, fmt.Errorf("push request: %w", err)
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return protocol.Reply{}, fmt.Errorf("subscription %s closed", id)
		}
		var r protocol.Reply
		if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
			return protocol.Reply{}, fmt.Errorf("decode reply: %w", err)
		}
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}
