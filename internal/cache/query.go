package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediskey "dianping/pkg/redis"

	"github.com/pkg/errors"
)

// QueryWithPassThrough 空值缓存防穿透：
// 命中非空直接返回；命中空串说明数据不存在，直接返回 ErrNotFound 不回源；
// 未命中则回源（同进程内同 key 合并），不存在写空串短 TTL，存在写 ttl+随机抖动。
func QueryWithPassThrough[T any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	val, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		if val == "" {
			return nil, ErrNotFound
		}
		var v T
		uerr := json.Unmarshal([]byte(val), &v)
		if uerr == nil {
			return &v, nil
		}
		c.log.Errorf("[Cache] failed to unmarshal %s, reloading: %v", key, uerr)
	}

	res, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return loadThrough(ctx, c, key, id, loader, ttl)
	})
	if err != nil {
		return nil, err
	}
	v, _ := res.(*T)
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// loadThrough 回源并回写缓存，写缓存失败只记日志。
func loadThrough[T any, ID any](ctx context.Context, c *Client, key string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	v, err := loader(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", key)
	}
	if v == nil {
		if err := c.rdb.Set(ctx, key, "", c.nullTTL).Err(); err != nil {
			c.log.Warnf("[Cache] failed to write null value for %s: %v", key, err)
		}
		return nil, nil
	}
	if err := c.Set(ctx, key, v, ttl+c.jitter(ttl)); err != nil {
		c.log.Warnf("[Cache] failed to write cache for %s: %v", key, err)
	}
	return v, nil
}

// QueryWithLogicalExpire 逻辑过期防击穿，只用于提前预热过的热点 key：
// 未命中直接 ErrNotFound；未过期直接返回；已过期则尝试加锁，
// 拿不到锁说明别人在重建，返回旧值；拿到锁先二次检查，
// 仍过期就把重建交给后台任务池，当前请求立即返回旧值，重建结束后释放锁。
func QueryWithLogicalExpire[T any, ID any](ctx context.Context, c *Client, keyPrefix, lockPrefix string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	val, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found || val == "" {
		return nil, ErrNotFound
	}

	expireAt, stale, err := decodeLogical[T](val)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	if c.now().Before(expireAt) {
		return stale, nil
	}

	mu := c.locker.NewMutex(lockPrefix + fmt.Sprint(id))
	locked, err := mu.TryLock(ctx, c.lockTTL)
	if err != nil {
		c.log.Warnf("[Cache] acquire rebuild lock %s failed, serving stale: %v", mu.Key(), err)
		return stale, nil
	}
	if !locked {
		return stale, nil
	}

	// double check：加锁前可能已有其他请求完成了重建
	if val, found, err := c.get(ctx, key); err == nil && found && val != "" {
		if expireAt, fresh, err := decodeLogical[T](val); err == nil && c.now().Before(expireAt) {
			c.unlock(ctx, mu)
			return fresh, nil
		}
	}

	rebuildCtx := context.WithoutCancel(ctx)
	err = c.pool.Submit(func() {
		defer c.unlock(rebuildCtx, mu)

		v, err := loader(rebuildCtx, id)
		if err != nil {
			c.log.Errorf("[Cache] rebuild %s failed: %v", key, err)
			return
		}
		if v == nil {
			c.log.Warnf("[Cache] rebuild %s: source row disappeared, keeping stale value", key)
			return
		}
		if err := c.SetWithLogicalExpire(rebuildCtx, key, v, ttl+c.jitter(ttl)); err != nil {
			c.log.Errorf("[Cache] rebuild %s write failed: %v", key, err)
		}
	})
	if err != nil {
		c.log.Warnf("[Cache] rebuild %s not scheduled: %v", key, err)
		c.unlock(ctx, mu)
	}
	return stale, nil
}

func decodeLogical[T any](raw string) (time.Time, *T, error) {
	var data RedisData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return time.Time{}, nil, err
	}
	var v T
	if err := json.Unmarshal(data.Data, &v); err != nil {
		return time.Time{}, nil, err
	}
	return data.ExpireTime, &v, nil
}

// QueryWithMutex 互斥锁防击穿：未命中时只有拿到锁的请求回源，
// 其余请求间隔重试，超过次数返回 ErrRebuildBusy。空值处理同 QueryWithPassThrough。
func QueryWithMutex[T any, ID any](ctx context.Context, c *Client, keyPrefix, lockPrefix string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	for attempt := 0; ; attempt++ {
		v, hit, err := readThrough[T](ctx, c, key)
		if err != nil || hit {
			return v, err
		}

		mu := c.locker.NewMutex(lockPrefix + fmt.Sprint(id))
		locked, err := mu.TryLock(ctx, c.lockTTL)
		if err != nil {
			return nil, errors.Wrapf(ErrStoreUnavailable, "lock %s: %v", mu.Key(), err)
		}
		if !locked {
			if attempt >= c.mutexRetries {
				return nil, ErrRebuildBusy
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.mutexRetryDelay):
			}
			continue
		}

		return rebuildLocked(ctx, c, mu, key, id, loader, ttl)
	}
}

func rebuildLocked[T any, ID any](ctx context.Context, c *Client, mu *rediskey.Mutex, key string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	defer c.unlock(context.WithoutCancel(ctx), mu)

	if v, hit, err := readThrough[T](ctx, c, key); err != nil || hit {
		return v, err
	}
	v, err := loadThrough(ctx, c, key, id, loader, ttl)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// readThrough 读缓存，hit=true 表示结果已确定（包括空值命中）。
func readThrough[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	val, found, err := c.get(ctx, key)
	if err != nil {
		return nil, true, err
	}
	if !found {
		return nil, false, nil
	}
	if val == "" {
		return nil, true, ErrNotFound
	}
	var v T
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		c.log.Errorf("[Cache] failed to unmarshal %s, reloading: %v", key, err)
		return nil, false, nil
	}
	return &v, true, nil
}
