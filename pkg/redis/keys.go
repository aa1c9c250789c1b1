package redis

import (
	"fmt"
	"strconv"
)

// 缓存与锁的 key 前缀。CacheClient 以 prefix + id 拼接最终 key。
const (
	CacheShopKeyPrefix    = "cache:shop:"
	CacheHotShopKeyPrefix = "cache:shop:hot:"
	CacheSeckillKeyPrefix = "cache:seckill:"
	CacheShopTypeListKey  = "cache:shop-type:list"

	// LockShopPrefix 是资源名前缀，真实 key 由 LockKey 再加 "lock:"。
	LockShopPrefix = "shop:"

	lockKeyPrefix = "lock:"
)

// LockKey 分布式锁的存储键。
func LockKey(resource string) string {
	return lockKeyPrefix + resource
}

// OrderLockResource 落单时按用户维度加锁的资源名。
func OrderLockResource(userID int64) string {
	return "order:" + strconv.FormatInt(userID, 10)
}

// IDCounterKey 全局 ID 的按天自增计数器，date 形如 2024:05:01。
func IDCounterKey(scope, date string) string {
	return fmt.Sprintf("icr:%s:%s", scope, date)
}

// SeckillStockKey 秒杀券的预扣库存（准入闸门）。
func SeckillStockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// SeckillOrderKey 已抢到该券的用户集合，用于一人一单。
func SeckillOrderKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// OrderStateKey 异步落单状态（pending/success/failed）。
func OrderStateKey(orderID int64) string {
	return fmt.Sprintf("order:state:%d", orderID)
}

// LoginTokenKey 登录 token 对应的用户 hash。
func LoginTokenKey(token string) string {
	return "login:token:" + token
}

// ShopGeoKey 按店铺类型划分的 GEO 集合。
func ShopGeoKey(typeID int64) string {
	return fmt.Sprintf("shop:geo:%d", typeID)
}

// RateLimitKey 滑动窗口限流的 ZSET，subject 为 user:<id> 或 ip:<addr>。
func RateLimitKey(subject string) string {
	return "rate_limit:seckill:" + subject
}
