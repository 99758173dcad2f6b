package indexer

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/kafka"
)

// KafkaNotifier publishes flush events keyed by shard, so one shard's
// events stay ordered on one partition.
type KafkaNotifier struct {
	producer *kafka.Producer
}

func NewKafkaNotifier(p *kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: p}
}

func (n *KafkaNotifier) NotifyFlush(ctx context.Context, ev FlushEvent) error {
	return n.producer.Publish(ctx, IndexName(ev.Shard), ev)
}
