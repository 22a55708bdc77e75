package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"banhang/backend/internal/domain"
)

const (
	paymentStatusPrefix = "banhang:payment-status:"
	webhookReplayPrefix = "banhang:webhook-seen:"
)

// RedisCache backs both PaymentStatusCache and ReplayGuard with one client.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, code int64) (*domain.PaymentStatus, bool, error) {
	val, err := c.client.Get(ctx, paymentStatusKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var status domain.PaymentStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, false, err
	}
	return &status, true, nil
}

func (c *RedisCache) Set(ctx context.Context, status domain.PaymentStatus, ttl time.Duration) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, paymentStatusKey(status.Code), payload, ttl).Err()
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("replay key is required")
	}
	n, err := c.client.Exists(ctx, webhookReplayPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check replay key: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return errors.New("replay key is required")
	}
	if err := c.client.SetNX(ctx, webhookReplayPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set replay key: %w", err)
	}
	return nil
}

func paymentStatusKey(code int64) string {
	return fmt.Sprintf("%s%d", paymentStatusPrefix, code)
}

// Client exposes the underlying client for collaborators such as the cron
// lock that share the connection.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}
