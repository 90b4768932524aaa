package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirledger/backend/internal/domain"
)

const saleKeyPrefix = "kasirledger:sale:"

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisSaleCache struct {
	client *redis.Client
}

func NewRedisSaleCache(client *redis.Client) *RedisSaleCache {
	return &RedisSaleCache{client: client}
}

func (c *RedisSaleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSaleCache) Get(ctx context.Context, id string) (*domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, saleKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sale domain.Sale
	if err := json.Unmarshal(val, &sale); err != nil {
		return nil, false, err
	}
	return &sale, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error {
	if sale == nil || sale.ID == "" {
		return nil
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKeyPrefix+sale.ID, payload, ttl).Err()
}

func (c *RedisSaleCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, saleKeyPrefix+id).Err()
}
