package redis

import (
	"context"
	"fmt"
	"sort"

	rd "github.com/redis/go-redis/v9"
)

// 脚本名，作为 Scripts 注册表的 key。
const (
	ScriptUnlock    = "unlock"
	ScriptSeckill   = "seckill"
	ScriptRateLimit = "rate_limit"
)

// 秒杀脚本返回码。
const (
	SeckillAdmitted   = 0
	SeckillOutOfStock = 1
	SeckillDuplicate  = 2
)

// luaUnlock 仅当锁值等于持有者 token 时才删除，防止误删他人的锁。
// KEYS[1]=锁 key，ARGV[1]=owner token；返回删除的 key 数。
const luaUnlock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// luaSeckill 一次性完成：一人一单判断 + 库存判断 + 扣减 + 记录用户 + 入队。
// KEYS[1]=库存 key，KEYS[2]=已下单用户集合，KEYS[3]=订单 stream
// ARGV[1]=voucherId，ARGV[2]=userId，ARGV[3]=orderId
// 返回：0 成功，1 库存不足，2 重复下单
const luaSeckill = `
local stockKey = KEYS[1]
local orderKey = KEYS[2]
local streamKey = KEYS[3]
local voucherId = ARGV[1]
local userId = ARGV[2]
local orderId = ARGV[3]

if redis.call('SISMEMBER', orderKey, userId) == 1 then
  return 2
end

local stock = tonumber(redis.call('GET', stockKey) or '0')
if stock == nil or stock <= 0 then
  return 1
end

redis.call('INCRBY', stockKey, -1)
redis.call('SADD', orderKey, userId)
redis.call('XADD', streamKey, '*', 'userId', userId, 'voucherId', voucherId, 'id', orderId)
return 0
`

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数，ARGV[4]=成员，ARGV[5]=上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// Scripts 是进程启动时构建一次的只读脚本表，按名称引用，不会在调用时重复解析。
type Scripts struct {
	byName map[string]*rd.Script
}

// LoadScripts 构建脚本注册表。
func LoadScripts() *Scripts {
	return &Scripts{byName: map[string]*rd.Script{
		ScriptUnlock:    rd.NewScript(luaUnlock),
		ScriptSeckill:   rd.NewScript(luaSeckill),
		ScriptRateLimit: rd.NewScript(luaRateLimit),
	}}
}

// Names 返回已注册的脚本名（排序后）。
func (s *Scripts) Names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run 以 EVALSHA 执行脚本，服务端未缓存时自动回退 EVAL。
func (s *Scripts) Run(ctx context.Context, c rd.Scripter, name string, keys []string, args ...interface{}) *rd.Cmd {
	script, ok := s.byName[name]
	if !ok {
		cmd := rd.NewCmd(ctx)
		cmd.SetErr(fmt.Errorf("redis script %q not registered", name))
		return cmd
	}
	return script.Run(ctx, c, keys, args...)
}

// Preload 在启动时把全部脚本 SCRIPT LOAD 到服务端。
func (s *Scripts) Preload(ctx context.Context, c rd.Scripter) error {
	for _, name := range s.Names() {
		if err := s.byName[name].Load(ctx, c).Err(); err != nil {
			return fmt.Errorf("load script %s: %w", name, err)
		}
	}
	return nil
}
