package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tillcore/backend/internal/domain"
)

type RedisZReportCache struct {
	client *redis.Client
}

func NewRedisZReportCache(addr string, password string, db int) *RedisZReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	return &RedisZReportCache{client: client}
}

func (c *RedisZReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisZReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisZReportCache) Get(ctx context.Context, registerID string, date string) (*domain.ZReport, bool, error) {
	val, err := c.client.Get(ctx, ZReportKey(registerID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.ZReport
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

// Set stores the report. A zero ttl keeps it until evicted.
func (c *RedisZReportCache) Set(ctx context.Context, report *domain.ZReport, ttl time.Duration) error {
	if report == nil || !report.Locked {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ZReportKey(report.RegisterID, report.Date), payload, ttl).Err()
}
