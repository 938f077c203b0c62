package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer publishes messages to Kafka. It satisfies events.Publisher.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
	source string
}

// ProducerOption configures a producer.
type ProducerOption func(*kafka.Writer, *producer)

// WithSource tags every message with a "source" header, e.g. the relay instance id.
func WithSource(s string) ProducerOption {
	return func(_ *kafka.Writer, p *producer) { p.source = s }
}

// WithBatchTimeout overrides the 50ms batch timeout.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(w *kafka.Writer, _ *producer) { w.BatchTimeout = d }
}

// NewProducer creates a Kafka producer connected to the given brokers.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same session id → same partition → ordered
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		// Auto-create topics if they don't exist
		AllowAutoTopicCreation: true,
	}
	p := &producer{writer: w}
	for _, opt := range opts {
		opt(w, p)
	}
	return p
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	// Carry the active trace into the message so the intake side continues it.
	headers := make(HeaderCarrier, 0, 4)
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	headers.Set("content-type", "application/json")
	if p.source != "" {
		headers.Set("source", p.source)
	}

	var msgKey []byte
	if key != "" {
		msgKey = []byte(key)
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     msgKey,
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
