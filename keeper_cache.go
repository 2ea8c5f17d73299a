package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTimeout = 3 * time.Second

	// principalKeyPrefix 主体快照缓存键前缀，完整键为 USER:<id>
	principalKeyPrefix = "USER:"
	// blockedTokenKeyPrefix 已吊销令牌键前缀，完整键为 BLOCKED_TOKEN:<token>
	blockedTokenKeyPrefix = "BLOCKED_TOKEN:"

	clearScanBatch = 500
)

// Cache 键值缓存，带 TTL
//
// 令牌服务与凭证校验只依赖这四个方法；默认实现基于 Redis。
type Cache interface {
	// Get 返回键对应的值；键不存在时 found 为 false 且 err 为 nil
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set 写入键值，ttl <= 0 表示不过期
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// CacheConfig Redis 缓存配置
type CacheConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Namespace    string        `mapstructure:"namespace"` // 键前缀，设置后 Clear 只清理该前缀下的键
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ProbeSpec    string        `mapstructure:"probe_spec"` // 可用性探测的 cron 表达式，为空则不探测
}

func principalKey(id uint) string {
	return principalKeyPrefix + strconv.FormatUint(uint64(id), 10)
}

func blockedTokenKey(token string) string {
	return blockedTokenKeyPrefix + token
}

// newRedisClient 创建 Redis 客户端并做一次连通性检查
// 检查失败只记录告警：缓存不可用时令牌吊销检查按设计降级，不阻止服务启动
func newRedisClient(settings *Settings, logger *slog.Logger) *redis.Client {
	cfg := settings.Cache
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis 连接检查失败", "addr", cfg.Addr, "error", err)
	}
	return client
}

// RedisCache 基于 go-redis 的 Cache 实现
type RedisCache struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisCache 创建 Redis 缓存；namespace 为键前缀，可为空
func NewRedisCache(client redis.UniversalClient, namespace string) *RedisCache {
	return &RedisCache{client: client, namespace: namespace}
}

func newCache(client *redis.Client, settings *Settings) Cache {
	return NewRedisCache(client, settings.Cache.Namespace)
}

func (c *RedisCache) key(k string) string {
	return c.namespace + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取缓存 %s 失败: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存 %s 失败: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("删除缓存 %s 失败: %w", key, err)
	}
	return nil
}

// Clear 清空缓存
// 配置了命名空间时按前缀扫描删除，否则清空当前 DB
func (c *RedisCache) Clear(ctx context.Context) error {
	if c.namespace == "" {
		if err := c.client.FlushDB(ctx).Err(); err != nil {
			return fmt.Errorf("清空缓存失败: %w", err)
		}
		return nil
	}

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.namespace+"*", clearScanBatch).Result()
		if err != nil {
			return fmt.Errorf("扫描缓存键失败: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("清空缓存失败: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Available 检查缓存是否可用
func (c *RedisCache) Available(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}
