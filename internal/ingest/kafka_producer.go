package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer streams presence changes and ride transitions. Both topics
// are keyed so per-driver and per-ride ordering is kept within a partition.
type KafkaProducer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic, true),
		rides:     newWriter(brokers, rideTopic, false),
	}
}

// Location writes are async: they are high volume and nothing waits on them.
func newWriter(brokers []string, topic string, async bool) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        async,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	return write(ctx, k.locations, ev.DriverID, ev)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideTransition) error {
	return write(ctx, k.rides, ev.RideID, ev)
}

func write(ctx context.Context, w *kafka.Writer, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
