package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupTTL bounds how long an idempotency key suppresses re-publication.
const dedupTTL = 24 * time.Hour

// RedisStreamSink publishes envelopes to a Redis stream with XADD. A SET NX
// guard on the idempotency key drops duplicates.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream. When maxLen is
// positive the stream is approximately trimmed to that length.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Append implements EventSink.
func (r *RedisStreamSink) Append(ctx context.Context, env Envelope) error {
	if env.IdempotencyKey != "" {
		fresh, err := r.client.SetNX(ctx, r.dedupKey(env.IdempotencyKey), env.ID, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("redis dedup check: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"type":     env.Type,
			"subject":  env.Subject,
			"envelope": body,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		if env.IdempotencyKey != "" {
			// Release the guard so a retry can publish.
			r.client.Del(ctx, r.dedupKey(env.IdempotencyKey))
		}
		return fmt.Errorf("redis xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisStreamSink) dedupKey(key string) string {
	return r.stream + ":seen:" + key
}
