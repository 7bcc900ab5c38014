package marketdata

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBroadcaster writes snapshots and trade prints to one topic, keyed by
// market so each market's events stay ordered within a partition.
type KafkaBroadcaster struct {
	writer *kafka.Writer
}

func NewKafkaBroadcaster(brokers []string, topic string) *KafkaBroadcaster {
	return &KafkaBroadcaster{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaBroadcaster) PublishBook(ctx context.Context, s BookSnapshot) error {
	return k.write(ctx, KindDepth, s.Market, s)
}

func (k *KafkaBroadcaster) PublishTrade(ctx context.Context, t TradePrint) error {
	return k.write(ctx, KindTrade, t.Market, t)
}

func (k *KafkaBroadcaster) write(ctx context.Context, kind, market string, payload interface{}) error {
	value, err := encode(kind, market, payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(market),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(kind)},
		},
	})
}

func (k *KafkaBroadcaster) Close() error {
	return k.writer.Close()
}
