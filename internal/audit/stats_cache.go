package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"auditengine/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatsCache 统计结果缓存
type StatsCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStatsCache 基于 Redis 的统计缓存
type RedisStatsCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStatsCache 创建 Redis 统计缓存
func NewRedisStatsCache(client redis.UniversalClient, prefix string) *RedisStatsCache {
	if prefix == "" {
		prefix = "auditengine:stats:"
	}
	return &RedisStatsCache{client: client, prefix: prefix}
}

func (c *RedisStatsCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisStatsCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// cacheKey 由操作名、删除代数和参数摘要组成，清理后旧缓存自然失效
func cacheKey(op string, gen int64, params any) string {
	b, _ := json.Marshal(params)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s:%d:%s", op, gen, hex.EncodeToString(sum[:12]))
}

// cached 读取缓存，未命中时计算并回填；缓存故障只记录日志
func cached[T any](ctx context.Context, s *StatisticsService, op string, params any, compute func() (T, error)) (T, error) {
	if s.cache == nil || s.cfg.CacheTTL <= 0 {
		return compute()
	}
	gen, err := s.store.Generation(ctx)
	if err != nil {
		return compute()
	}
	key := cacheKey(op, gen, params)
	if b, ok, err := s.cache.Get(ctx, key); err != nil {
		metrics.StatsCacheTotal.WithLabelValues("error").Inc()
		s.logger.Warn("读取统计缓存失败", zap.String("key", key), zap.Error(err))
	} else if ok {
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			metrics.StatsCacheTotal.WithLabelValues("hit").Inc()
			return v, nil
		}
	}
	metrics.StatsCacheTotal.WithLabelValues("miss").Inc()

	v, err := compute()
	if err != nil {
		return v, err
	}
	if b, err := json.Marshal(v); err == nil {
		if err := s.cache.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("写入统计缓存失败", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}
