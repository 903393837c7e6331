package harness

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Redis tests need a running instance, set REDIS_TEST_ADDR (e.g. localhost:6379) to enable them.
func skipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("skipping redis test: set REDIS_TEST_ADDR to enable")
	}
	return addr
}

func TestRedisSink_BadAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisSink(ctx, "localhost:59999", "turntest:test")
	assert.Error(t, err)
}

func TestRedisSink_Publish(t *testing.T) {
	addr := skipIfNoRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := NewRedisSink(ctx, addr, "turntest:test")
	require.NoError(t, err)
	defer sink.Close()

	sub := redis.NewClient(&redis.Options{Addr: addr}).Subscribe(ctx, "turntest:test")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Publish(ctx, sampleReport()))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got Report
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, 4, got.ProcessStats.ThreadCnt)
	assert.Len(t, got.ThreadStats, 4)
}
