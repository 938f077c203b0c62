//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/sentinel-honeypot/relay/internal/events"
	redisstore "github.com/sentinel-honeypot/relay/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; go-redis wants host:port.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

func TestRedis_EventPublisher_StreamAndRecent(t *testing.T) {
	client := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	ctx := context.Background()
	pub := redisstore.NewEventPublisher(client, "it:events", 3)
	require.NoError(t, pub.Ping(ctx))

	sub := client.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	for _, typ := range []string{"a", "b", "c", "d"} {
		require.NoError(t, pub.Write(ctx, events.Event{Type: typ, Timestamp: time.Now()}))
	}

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"type":"a"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no message on the event channel")
	}

	recent, err := pub.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Type)
	assert.Equal(t, "b", recent[2].Type)
}
