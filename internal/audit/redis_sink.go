package audit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "canvaskeep:audit"

// RedisSink appends audit events to a Redis stream. Consumers (dashboards,
// retention jobs) read the stream independently; this process only writes.
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{
		client: client,
		stream: defaultStream,
	}, nil
}

// NewRedisSinkWithClient creates a sink from an existing Redis client.
func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{
		client: client,
		stream: defaultStream,
	}
}

// Emit appends one event to the stream. Failures are logged, never returned:
// a save that committed stays committed regardless of audit availability.
func (s *RedisSink) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	values := map[string]any{
		"type":        e.Type,
		"document_id": e.DocumentID,
		"at":          e.At.Format(time.RFC3339Nano),
	}
	if e.Version > 0 {
		values["version"] = strconv.FormatInt(e.Version, 10)
	}
	if e.Actor != "" {
		values["actor"] = e.Actor
	}
	if e.Label != "" {
		values["label"] = e.Label
	}
	for k, v := range e.Detail {
		values["detail_"+k] = v
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err()
	if err != nil {
		log.Printf("audit: emit %s for %s: %v", e.Type, e.DocumentID, err)
	}
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
