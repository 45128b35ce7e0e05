package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string // prepended to every topic, e.g. "paycore."
	MaxAttempts int
}

// KafkaPublisher writes events to Kafka, one Kafka topic per event topic,
// keyed by run or transaction id so a run's events land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher creates a Kafka-backed publisher.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            attempts,
			WriteBackoffMin:        100 * time.Millisecond,
			WriteBackoffMax:        time.Second,
			BatchTimeout:           10 * time.Millisecond,
		},
		prefix: cfg.TopicPrefix,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Topic: p.prefix + string(event.Topic),
		Key:   []byte(event.Key),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
