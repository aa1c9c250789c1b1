package redis

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// processID 进程启动时生成一次，与每把 Mutex 的序号拼成 owner token。
var processID = strings.ReplaceAll(uuid.NewString(), "-", "")

// Locker 创建基于 Redis 的互斥锁，可被多个 goroutine 共享。
type Locker struct {
	rdb     rd.Cmdable
	scripts *Scripts
	seq     atomic.Uint64
}

func NewLocker(rdb rd.Cmdable, scripts *Scripts) *Locker {
	return &Locker{rdb: rdb, scripts: scripts}
}

// NewMutex 为一次持锁创建句柄。每个句柄拥有独立的 owner token，
// 同一资源的不同句柄之间互斥。
func (l *Locker) NewMutex(resource string) *Mutex {
	return &Mutex{
		key:     LockKey(resource),
		token:   processID + "-" + strconv.FormatUint(l.seq.Add(1), 10),
		rdb:     l.rdb,
		scripts: l.scripts,
	}
}

// Mutex 对应一个锁持有者。TryLock 不阻塞也不重试，轮询由调用方决定。
type Mutex struct {
	key     string
	token   string
	rdb     rd.Cmdable
	scripts *Scripts
}

func (m *Mutex) Key() string   { return m.key }
func (m *Mutex) Token() string { return m.token }

// TryLock 执行 SET key token NX PX ttl。
// 锁被他人持有返回 (false, nil)；只有 Redis 异常才返回 error。
func (m *Mutex) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, m.key, m.token, ttl).Result()
}

// Unlock 原子比较并删除，返回本次调用是否真的删除了锁。
func (m *Mutex) Unlock(ctx context.Context) (bool, error) {
	n, err := m.scripts.Run(ctx, m.rdb, ScriptUnlock, []string{m.key}, m.token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
