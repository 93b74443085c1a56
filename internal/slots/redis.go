package slots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis shares slots between replicas; expiry is left to Redis
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a store on rdb with keys under prefix
func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(conversationID string) string { return r.prefix + "suggestion:" + conversationID }

func (r *Redis) Put(ctx context.Context, s models.Suggestion) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal suggestion: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(s.ConversationID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store suggestion for %s: %w", s.ConversationID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, conversationID string) (*models.Suggestion, error) {
	data, err := r.rdb.Get(ctx, r.key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read suggestion for %s: %w", conversationID, err)
	}
	var s models.Suggestion
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode suggestion for %s: %w", conversationID, err)
	}
	return &s, nil
}

func (r *Redis) Clear(ctx context.Context, conversationID string) (bool, error) {
	n, err := r.rdb.Del(ctx, r.key(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to clear suggestion for %s: %w", conversationID, err)
	}
	return n > 0, nil
}
