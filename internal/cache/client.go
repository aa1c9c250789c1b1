// Package cache 是面向关系库的 cache-aside 读路径：
// 空值缓存防穿透、逻辑过期防击穿、随机 TTL 防雪崩。
package cache

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	rediskey "dianping/pkg/redis"

	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound 数据不存在（包括命中空值缓存）。
	ErrNotFound = errors.New("cache: not found")
	// ErrStoreUnavailable Redis 不可用或熔断器打开。
	ErrStoreUnavailable = errors.New("cache: store unavailable")
	// ErrRebuildBusy 互斥重建在重试次数内始终没有拿到锁。
	ErrRebuildBusy = errors.New("cache: rebuild busy")
)

// Loader 回源函数。数据不存在时返回 (nil, nil)。
type Loader[T any, ID any] func(ctx context.Context, id ID) (*T, error)

// Submitter 后台重建所用的任务池。
type Submitter interface {
	Submit(task func()) error
}

// RedisData 逻辑过期包装：物理上永不过期，由读方比较 ExpireTime 判断是否陈旧。
type RedisData struct {
	ExpireTime time.Time       `json:"expireTime"`
	Data       json.RawMessage `json:"data"`
}

// Client 可被所有请求 goroutine 共享。
type Client struct {
	rdb    rd.Cmdable
	locker *rediskey.Locker
	pool   Submitter
	log    *logrus.Logger
	cb     *gobreaker.CircuitBreaker
	sf     singleflight.Group

	now             func() time.Time
	jitter          func(ttl time.Duration) time.Duration
	lockTTL         time.Duration
	nullTTL         time.Duration
	mutexRetries    int
	mutexRetryDelay time.Duration
}

type Option func(*Client)

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithJitter 替换 TTL 抖动策略，传入 nil 关闭抖动。
func WithJitter(fn func(ttl time.Duration) time.Duration) Option {
	return func(c *Client) {
		if fn == nil {
			fn = func(time.Duration) time.Duration { return 0 }
		}
		c.jitter = fn
	}
}

func WithLockTTL(ttl time.Duration) Option { return func(c *Client) { c.lockTTL = ttl } }
func WithNullTTL(ttl time.Duration) Option { return func(c *Client) { c.nullTTL = ttl } }

func WithMutexRetry(retries int, delay time.Duration) Option {
	return func(c *Client) {
		c.mutexRetries = retries
		c.mutexRetryDelay = delay
	}
}

// WithBreaker 替换 Redis 读熔断配置。
func WithBreaker(st gobreaker.Settings) Option {
	return func(c *Client) { c.cb = gobreaker.NewCircuitBreaker(st) }
}

func New(rdb rd.Cmdable, locker *rediskey.Locker, pool Submitter, log *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		rdb:             rdb,
		locker:          locker,
		pool:            pool,
		log:             log,
		now:             time.Now,
		jitter:          defaultJitter,
		lockTTL:         10 * time.Second,
		nullTTL:         2 * time.Minute,
		mutexRetries:    10,
		mutexRetryDelay: 50 * time.Millisecond,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "CacheRedisBreaker",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker %s state changed from %s to %s", name, from, to)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultJitter 在 TTL 上叠加 1~5 个单位的随机时长，单位随 TTL 量级取秒或分钟。
func defaultJitter(ttl time.Duration) time.Duration {
	unit := time.Second
	if ttl >= time.Minute {
		unit = time.Minute
	}
	return time.Duration(1+rand.Intn(4)) * unit
}

// Set 序列化为 JSON 后写入，并设置物理过期时间。
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// SetWithLogicalExpire 包装逻辑过期时间后写入，不设物理过期，用于热点预热。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	data, err := json.Marshal(RedisData{ExpireTime: c.now().Add(ttl), Data: b})
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return c.rdb.Set(ctx, key, data, 0).Err()
}

// Delete 写路径更新数据库后删除缓存。
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// get 经熔断器读取，found=false 表示 key 不存在。
func (c *Client) get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		c.log.Errorf("[Cache] circuit breaker open or redis error on %s: %v", key, err)
		return "", false, errors.Wrapf(ErrStoreUnavailable, "get %s: %v", key, err)
	}
	if val == nil {
		return "", false, nil
	}
	return val.(string), true, nil
}

func (c *Client) unlock(ctx context.Context, mu *rediskey.Mutex) {
	if _, err := mu.Unlock(ctx); err != nil {
		c.log.Warnf("[Cache] release lock %s failed: %v", mu.Key(), err)
	}
}
