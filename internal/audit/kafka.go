package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher ships events to a Kafka (or Redpanda) topic. Records are
// keyed by session so all events for one session land on one partition in
// order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka audit client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger, now: time.Now}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	event = normalize(event, p.now)
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	key := event.SessionID
	if key == "" {
		key = event.Subject
	}
	record := &kgo.Record{Key: []byte(key), Value: value}

	// Fire and forget: an unreachable broker must not stall request
	// handling. The promise logs delivery failures.
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("audit event delivery failed",
				"action", event.Action,
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	defer p.client.Close()
	return p.client.Flush(ctx)
}
