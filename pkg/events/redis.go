package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamPrefix is prepended to the treasury ID to form the stream key.
const DefaultStreamPrefix = "treasury:events:"

// RedisPublisher appends envelopes to one Redis stream per treasury.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisPublisher creates a publisher. maxLen > 0 caps each stream
// (approximate trimming).
func NewRedisPublisher(client redis.UniversalClient, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: DefaultStreamPrefix, maxLen: maxLen}
}

// NewRedisPublisherFromAddr dials a single Redis node.
func NewRedisPublisherFromAddr(addr, password string, db int) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisPublisher(rdb, 0)
}

// StreamKey returns the stream used for a treasury.
func (p *RedisPublisher) StreamKey(treasuryID string) string {
	return p.prefix + treasuryID
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, envs ...Envelope) error {
	for _, env := range envs {
		payload, err := json.Marshal(env.Event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", env.ID, err)
		}
		args := &redis.XAddArgs{
			Stream: p.StreamKey(env.Event.TreasuryID),
			Values: map[string]any{
				"id":      env.ID,
				"type":    string(env.Event.Type),
				"digest":  env.Digest,
				"payload": string(payload),
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", args.Stream, err)
		}
	}
	return nil
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
