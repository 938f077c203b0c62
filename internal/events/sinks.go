package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// LogSink mirrors events into the process log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Write(ctx context.Context, ev Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "event",
		slog.String("event_type", ev.Type),
		slog.Any("payload", ev.Payload),
	)
	return nil
}

// Publisher is satisfied by the Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// BrokerSink publishes each event as JSON to a topic, keyed by session id
// when the payload carries one so that a session's events stay ordered.
type BrokerSink struct {
	pub   Publisher
	topic string
}

func NewBrokerSink(pub Publisher, topic string) *BrokerSink {
	return &BrokerSink{pub: pub, topic: topic}
}

func (s *BrokerSink) Write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	key, _ := ev.Payload["sessionId"].(string)
	return s.pub.Publish(ctx, s.topic, key, data)
}

// Memory keeps events in memory. Used by tests and the one-shot CLI commands.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything written so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the event types in write order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// OfType returns the events with the given type.
func (m *Memory) OfType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
