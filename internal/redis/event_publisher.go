package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinel-honeypot/relay/internal/events"
)

const defaultKeep = 500

// RecentKey is the list holding the most recent events for channel.
func RecentKey(channel string) string { return channel + ":recent" }

// EventPublisher is an events.Sink that PUBLISHes each event on a channel
// for live subscribers and keeps a capped list of recent events for late
// readers.
type EventPublisher struct {
	client  *redis.Client
	channel string
	keep    int64
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// NewEventPublisher creates a publisher on channel keeping the last keep
// events. A non-positive keep uses 500.
func NewEventPublisher(client *redis.Client, channel string, keep int) *EventPublisher {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &EventPublisher{client: client, channel: channel, keep: int64(keep)}
}

// Channel returns the pub/sub channel name.
func (p *EventPublisher) Channel() string { return p.channel }

func (p *EventPublisher) Write(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	key := RecentKey(p.channel)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, p.keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish event %s: %w", ev.Type, err)
	}
	return nil
}

// Recent returns up to n of the latest events, newest first.
func (p *EventPublisher) Recent(ctx context.Context, n int) ([]events.Event, error) {
	if n <= 0 || int64(n) > p.keep {
		n = int(p.keep)
	}
	raw, err := p.client.LRange(ctx, RecentKey(p.channel), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read recent events: %w", err)
	}

	out := make([]events.Event, 0, len(raw))
	for _, item := range raw {
		var ev events.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Ping reports whether Redis is reachable.
func (p *EventPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
