package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/gig-dispatch/internal/models"
)

// KafkaProducer publishes accepted location pings keyed by worker id, so a
// worker's pings stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.WorkerID), Value: b, Time: ev.Position.CapturedAt})
}

func (k *KafkaProducer) HandleLocation(ctx context.Context, ev models.LocationEvent) error {
	return k.PublishLocation(ctx, ev)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
