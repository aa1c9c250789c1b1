package seckill

import (
	"context"
	"fmt"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
	rediskey "dianping/pkg/redis"

	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// OrderIDScope 订单号的 IDWorker 作用域。
const OrderIDScope = "order"

// VoucherSource 读取秒杀券活动时间。不存在时返回 cache.ErrNotFound。
type VoucherSource interface {
	Seckill(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
}

// Engine 秒杀准入：时间窗校验 → 预分配订单号 → 一次 Lua 完成库存/一人一单判断与入队。
// 通过准入即返回订单号，落库由 Consumer 异步完成。
type Engine struct {
	rdb      rd.Cmdable
	scripts  *rediskey.Scripts
	ids      *rediskey.IDWorker
	vouchers VoucherSource
	stream   string
	stateTTL time.Duration
	now      func() time.Time
	log      *logrus.Logger
	metrics  *metrics
}

type EngineOption func(*Engine)

// WithEngineClock 替换时钟（测试用）。
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithStateTTL 订单状态 hash 的保留时长。
func WithStateTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.stateTTL = ttl }
}

// NewEngine vouchers 为 nil 时跳过活动时间校验。
func NewEngine(rdb rd.Cmdable, scripts *rediskey.Scripts, ids *rediskey.IDWorker, vouchers VoucherSource, stream string, log *logrus.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rdb:      rdb,
		scripts:  scripts,
		ids:      ids,
		vouchers: vouchers,
		stream:   stream,
		stateTTL: 24 * time.Hour,
		now:      time.Now,
		log:      log,
		metrics:  newMetrics(log),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admit 尝试抢购。成功返回订单号；业务拒绝返回 *RejectionError；其余为 Redis 异常。
func (e *Engine) Admit(ctx context.Context, voucherID, userID int64) (int64, error) {
	if err := e.checkWindow(ctx, voucherID); err != nil {
		return 0, e.rejectOrErr(ctx, err)
	}

	orderID, err := e.ids.Next(ctx, OrderIDScope)
	if err != nil {
		return 0, errors.Wrap(err, "allocate order id")
	}

	keys := []string{rediskey.SeckillStockKey(voucherID), rediskey.SeckillOrderKey(voucherID), e.stream}
	code, err := e.scripts.Run(ctx, e.rdb, rediskey.ScriptSeckill, keys, voucherID, userID, orderID).Int()
	if err != nil {
		return 0, errors.Wrap(err, "run seckill script")
	}

	switch code {
	case rediskey.SeckillAdmitted:
	case rediskey.SeckillOutOfStock:
		return 0, e.rejectOrErr(ctx, ErrOutOfStock)
	case rediskey.SeckillDuplicate:
		return 0, e.rejectOrErr(ctx, ErrDuplicatePurchase)
	default:
		return 0, fmt.Errorf("unexpected seckill script result %d", code)
	}

	e.metrics.admitted.Add(ctx, 1)
	st := rediskey.OrderState{OrderID: orderID, UserID: userID, VoucherID: voucherID, Status: rediskey.OrderPending}
	if err := rediskey.PutOrderState(ctx, e.rdb, st, e.stateTTL); err != nil {
		e.log.Warnf("[Seckill] write pending state for order %d failed: %v", orderID, err)
	}
	return orderID, nil
}

func (e *Engine) checkWindow(ctx context.Context, voucherID int64) error {
	if e.vouchers == nil {
		return nil
	}
	v, err := e.vouchers.Seckill(ctx, voucherID)
	if errors.Is(err, cache.ErrNotFound) {
		return ErrVoucherNotFound
	}
	if err != nil {
		return errors.Wrap(err, "load seckill voucher")
	}

	now := e.now()
	if now.Before(v.BeginTime) {
		return ErrNotStarted
	}
	if now.After(v.EndTime) {
		return ErrEnded
	}
	return nil
}

func (e *Engine) rejectOrErr(ctx context.Context, err error) error {
	if rej, ok := AsRejection(err); ok {
		e.metrics.reject(ctx, rej.Reason)
	}
	return err
}
