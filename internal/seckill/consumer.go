package seckill

import (
	"context"
	"strings"
	"time"

	"dianping/internal/event"
	"dianping/internal/model"
	rediskey "dianping/pkg/redis"

	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// OrderMaterializer 落单事务，Materializer 为默认实现。
type OrderMaterializer interface {
	Materialize(ctx context.Context, order model.VoucherOrder) (bool, error)
}

// ConsumerConfig 消费者组参数。
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	Block             time.Duration // 读新消息的阻塞上限
	RecoveryPause     time.Duration // pending 处理失败后的停顿
	MaxDecodeAttempts int           // 解析失败次数上限，超过进入死信
	OrderLockTTL      time.Duration
	StateTTL          time.Duration
}

func (c *ConsumerConfig) withDefaults() {
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.RecoveryPause <= 0 {
		c.RecoveryPause = 200 * time.Millisecond
	}
	if c.MaxDecodeAttempts <= 0 {
		c.MaxDecodeAttempts = 3
	}
	if c.OrderLockTTL <= 0 {
		c.OrderLockTTL = 30 * time.Second
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 24 * time.Hour
	}
}

// Consumer 每个进程一个，从订单 stream 读消息并落库。
// 语义：落库成功后才 ACK，失败的消息留在 pending，由恢复模式重试，保证至少一次。
type Consumer struct {
	rdb    rd.Cmdable
	locker *rediskey.Locker
	mat    OrderMaterializer
	dead   *DeadLetter
	events event.Publisher
	cfg    ConsumerConfig
	log    *logrus.Logger

	metrics  *metrics
	attempts map[string]int // 仅 Run 所在 goroutine 访问
}

func NewConsumer(rdb rd.Cmdable, locker *rediskey.Locker, mat OrderMaterializer, dead *DeadLetter, events event.Publisher, cfg ConsumerConfig, log *logrus.Logger) *Consumer {
	cfg.withDefaults()
	if events == nil {
		events = event.NopPublisher{}
	}
	return &Consumer{
		rdb:      rdb,
		locker:   locker,
		mat:      mat,
		dead:     dead,
		events:   events,
		cfg:      cfg,
		log:      log,
		metrics:  newMetrics(log),
		attempts: make(map[string]int),
	}
}

// Run 阻塞直到 ctx 取消。启动时先做一轮 pending 恢复，接管上次崩溃遗留的消息；
// 之后读新消息，出错切换到恢复模式，pending 清空后回到正常模式。
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return errors.Wrap(err, "ensure consumer group")
	}
	c.log.Infof("[Consumer - %s] start consuming stream %s", c.cfg.Consumer, c.cfg.Stream)

	recovering := true
	for {
		if ctx.Err() != nil {
			c.log.Infof("[Consumer - %s] shutting down", c.cfg.Consumer)
			return nil
		}

		if recovering {
			drained, err := c.recoverOne(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.log.Errorf("[Consumer] handle pending entry: %v", err)
				c.pause(ctx)
				continue
			}
			if drained {
				recovering = false
			}
			continue
		}

		msgs, err := c.readGroup(ctx, ">", c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Errorf("[Consumer] read new entries: %v", err)
			recovering = true
			c.pause(ctx)
			continue
		}
		for _, xm := range msgs {
			if err := c.handle(ctx, xm); err != nil {
				c.log.WithField("msg_id", xm.ID).Errorf("[Consumer] handle entry: %v", err)
				recovering = true
				break
			}
		}
	}
}

// recoverOne 处理本消费者 pending 列表中最老的一条。drained=true 表示已清空。
func (c *Consumer) recoverOne(ctx context.Context) (bool, error) {
	msgs, err := c.readGroup(ctx, "0", -1)
	if err != nil {
		return false, errors.Wrap(err, "read pending")
	}
	if len(msgs) == 0 {
		return true, nil
	}
	xm := msgs[0]
	// 已被 ACK 但仍在 PEL 中占位的空消息（被 XDEL 过）直接确认
	if len(xm.Values) == 0 {
		return false, c.ack(ctx, xm.ID)
	}
	if err := c.handle(ctx, xm); err != nil {
		return false, err
	}
	c.log.WithField("msg_id", xm.ID).Info("[Consumer] recovered pending entry")
	return false, nil
}

func (c *Consumer) handle(ctx context.Context, xm rd.XMessage) error {
	order, err := parseEntry(xm.Values)
	if err != nil {
		return c.handleBadEntry(ctx, xm, err)
	}

	created, err := c.materializeLocked(ctx, order)
	if err != nil {
		c.metrics.failed.Add(ctx, 1)
		return errors.Wrapf(err, "materialize order %d", order.ID)
	}
	if err := c.ack(ctx, xm.ID); err != nil {
		return err
	}
	delete(c.attempts, xm.ID)

	st := rediskey.OrderState{OrderID: order.ID, Status: rediskey.OrderSuccess}
	if err := rediskey.PutOrderState(ctx, c.rdb, st, c.cfg.StateTTL); err != nil {
		c.log.Warnf("[Consumer] write success state for order %d failed: %v", order.ID, err)
	}

	if !created {
		c.metrics.redelivered.Add(ctx, 1)
		return nil
	}
	c.metrics.materialized.Add(ctx, 1)
	ev := event.OrderCreated{OrderID: order.ID, UserID: order.UserID, VoucherID: order.VoucherID, CreatedAt: time.Now()}
	if err := c.events.PublishOrderCreated(ctx, ev); err != nil {
		c.log.Warnf("[Consumer] publish order.created for %d failed: %v", order.ID, err)
	}
	return nil
}

// handleBadEntry 解析失败计数，超过上限转入死信并 ACK，避免毒丸消息卡死恢复循环。
func (c *Consumer) handleBadEntry(ctx context.Context, xm rd.XMessage, cause error) error {
	c.attempts[xm.ID]++
	if c.attempts[xm.ID] < c.cfg.MaxDecodeAttempts {
		return errors.Wrapf(ErrBadEntry, "entry %s: %v", xm.ID, cause)
	}

	if err := c.dead.Send(ctx, c.cfg.Stream, c.cfg.Group, xm, cause.Error()); err != nil {
		return err
	}
	if err := c.ack(ctx, xm.ID); err != nil {
		return err
	}
	delete(c.attempts, xm.ID)
	c.metrics.deadLettered.Add(ctx, 1)

	if orderID, ok := orderIDOf(xm.Values); ok {
		st := rediskey.OrderState{OrderID: orderID, Status: rediskey.OrderFailed, Reason: "malformed entry"}
		if err := rediskey.PutOrderState(ctx, c.rdb, st, c.cfg.StateTTL); err != nil {
			c.log.Warnf("[Consumer] write failed state for order %d failed: %v", orderID, err)
		}
	}
	return nil
}

// materializeLocked 按用户加锁后落单；锁被占用说明同一用户的订单正在别处处理。
func (c *Consumer) materializeLocked(ctx context.Context, order model.VoucherOrder) (bool, error) {
	mu := c.locker.NewMutex(rediskey.OrderLockResource(order.UserID))
	ok, err := mu.TryLock(ctx, c.cfg.OrderLockTTL)
	if err != nil {
		return false, errors.Wrap(err, "acquire order lock")
	}
	if !ok {
		return false, ErrOrderLocked
	}
	defer func() {
		if _, err := mu.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.log.Warnf("[Consumer] release %s failed: %v", mu.Key(), err)
		}
	}()
	return c.mat.Materialize(ctx, order)
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// readGroup block < 0 表示不阻塞（读 pending 时使用）。
func (c *Consumer) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, streamID},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 1)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	return errors.Wrapf(c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(), "ack %s", id)
}

func (c *Consumer) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.RecoveryPause):
	}
}
