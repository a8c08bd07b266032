package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
)

// KafkaConfig configures the Kafka transport
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaTransport relays events through a Kafka topic
type KafkaTransport struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaTransport creates a writer and a consumer-group reader on cfg.Topic
func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic cannot be empty")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset, // only new messages
		MaxWait:     time.Second,
	})

	return &KafkaTransport{writer: writer, reader: reader}, nil
}

// Send implements Transport
func (t *KafkaTransport) Send(ctx context.Context, eventType EventType, payload []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventType),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write to Kafka: %w", err)
	}
	return nil
}

// Receive implements Transport
func (t *KafkaTransport) Receive(ctx context.Context, handle func(payload []byte)) error {
	for {
		msg, err := t.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from Kafka: %w", err)
		}
		handle(msg.Value)
	}
}

// Close implements Transport
func (t *KafkaTransport) Close() error {
	return multierr.Combine(t.writer.Close(), t.reader.Close())
}
