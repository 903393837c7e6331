package harness

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
)

// Sink receives the final report of a run.
type Sink interface {
	Publish(ctx context.Context, r *Report) error
	Close() error
}

// WriterSink writes reports to an io.Writer, usually stdout.
type WriterSink struct {
	W      io.Writer
	Format string
}

func (s *WriterSink) Publish(_ context.Context, r *Report) error {
	return r.Write(s.W, s.Format)
}

func (s *WriterSink) Close() error {
	return nil
}

// RedisSink publishes reports as JSON documents on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSink{
		client:  client,
		channel: channel,
	}, nil
}

func (s *RedisSink) Publish(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
