package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// DefaultEpoch 2023-03-27T00:00:00Z。
const DefaultEpoch int64 = 1679875200

// 低 32 位留给序列号。
const countBits = 32

var ErrClockBeforeEpoch = errors.New("id worker: clock is before epoch")

// IDWorker 全局 ID 生成器：1 位符号 + 31 位秒级时间戳 + 32 位按天自增序列。
type IDWorker struct {
	rdb   rd.Cmdable
	epoch int64
	now   func() time.Time
}

type IDWorkerOption func(*IDWorker)

// WithClock 替换时钟（测试用）。
func WithClock(now func() time.Time) IDWorkerOption {
	return func(w *IDWorker) { w.now = now }
}

func NewIDWorker(rdb rd.Cmdable, epoch int64, opts ...IDWorkerOption) *IDWorker {
	w := &IDWorker{rdb: rdb, epoch: epoch, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Next 分配 scope 下的下一个 ID。时钟回拨不做保护。
func (w *IDWorker) Next(ctx context.Context, scope string) (int64, error) {
	now := w.now().UTC()
	ts := now.Unix() - w.epoch
	if ts < 0 {
		return 0, ErrClockBeforeEpoch
	}

	// 按天分 key，计数器不会无限增长，也方便按日统计。
	seq, err := w.rdb.Incr(ctx, IDCounterKey(scope, now.Format("2006:01:02"))).Result()
	if err != nil {
		return 0, err
	}
	return ts<<countBits | seq, nil
}

// SplitID 拆出 ID 的时间戳部分与序列号部分。
func (w *IDWorker) SplitID(id int64) (time.Time, int64) {
	ts := id >> countBits
	seq := id & (1<<countBits - 1)
	return time.Unix(ts+w.epoch, 0).UTC(), seq
}
