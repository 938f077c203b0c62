//go:build integration

package kafka_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sentinel-honeypot/relay/internal/kafka"
)

var testKafkaBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	kafkaCtr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer kafkaCtr.Terminate(ctx) //nolint:errcheck

	brokers, err := kafkaCtr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers
	return m.Run()
}

// uniqueTopic returns a topic name unique to this test run.
func uniqueTopic(base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

func TestKafka_ProducerConsumer_RoundTripWithHeaders(t *testing.T) {
	topic := uniqueTopic("relay-events")
	producer := kafka.NewProducer(testKafkaBrokers, kafka.WithSource("relay-test"))
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	payload := []byte(`{"type":"callback_sent","payload":{"sessionId":"s1"}}`)
	require.NoError(t, producer.Publish(ctx, topic, "s1", payload))

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "group-roundtrip", slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan kafka.Message, 1)
	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, payload, got.Value)
		assert.Equal(t, "s1", string(got.Key))
		assert.Equal(t, "relay-test", got.Header("source"))
		assert.Equal(t, "application/json", got.Header("content-type"))
	case <-consumerCtx.Done():
		t.Fatal("timed out waiting for Kafka message")
	}
}

// A permanent handler failure commits the offset; a transient one does not.
func TestKafka_Consumer_PermanentFailureCommits(t *testing.T) {
	topic := uniqueTopic("relay-intake")
	groupID := fmt.Sprintf("group-permanent-%d", time.Now().UnixNano())

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, topic, "k", []byte(`{"kind":"bogus"}`)))
	require.NoError(t, producer.Publish(ctx, topic, "k", []byte(`{"kind":"second"}`)))

	consumer1 := kafka.NewConsumer(testKafkaBrokers, topic, groupID, slog.Default())
	ctx1, cancel1 := context.WithTimeout(ctx, 30*time.Second)
	first := make(chan struct{}, 1)
	go func() {
		consumer1.Subscribe(ctx1, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			if string(m.Value) == `{"kind":"bogus"}` {
				first <- struct{}{}
				return kafka.Permanent(errors.New("unknown kind"))
			}
			cancel1()
			return errors.New("transient")
		})
	}()
	select {
	case <-first:
	case <-ctx1.Done():
		t.Fatal("consumer1 timed out")
	}
	<-ctx1.Done()
	time.Sleep(300 * time.Millisecond)
	consumer1.Close() //nolint:errcheck

	consumer2 := kafka.NewConsumer(testKafkaBrokers, topic, groupID, slog.Default())
	t.Cleanup(func() { consumer2.Close() }) //nolint:errcheck
	redelivered := make(chan []byte, 1)
	ctx2, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel2()
	go func() {
		consumer2.Subscribe(ctx2, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			redelivered <- m.Value
			cancel2()
			return nil
		})
	}()

	select {
	case got := <-redelivered:
		assert.Equal(t, `{"kind":"second"}`, string(got), "the permanently failed message must not come back")
	case <-ctx2.Done():
		t.Fatal("transiently failed message was not redelivered")
	}
}
