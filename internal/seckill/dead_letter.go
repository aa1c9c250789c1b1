package seckill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dianping/internal/model"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeadLetter 毒丸消息出口：写入死信 stream，并落库 dead_messages 便于排查。
type DeadLetter struct {
	rdb    rd.Cmdable
	db     *gorm.DB
	stream string
	log    *logrus.Logger
}

func NewDeadLetter(rdb rd.Cmdable, db *gorm.DB, stream string, log *logrus.Logger) *DeadLetter {
	return &DeadLetter{rdb: rdb, db: db, stream: stream, log: log}
}

// Send 写死信 stream 必须成功（否则调用方不能 ACK 原消息）；落库失败只记日志。
func (d *DeadLetter) Send(ctx context.Context, originalStream, group string, msg rd.XMessage, reason string) error {
	payload, _ := json.Marshal(msg.Values)

	err := d.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"original_stream": originalStream,
			"consumer_group":  group,
			"msg_id":          msg.ID,
			"payload":         string(payload),
			"error_reason":    reason,
			"created_at":      time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}

	row := model.DeadMessage{
		Stream:  originalStream,
		Group:   group,
		MsgID:   msg.ID,
		Payload: string(payload),
		Reason:  truncate(reason, 255),
	}
	if err := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		d.log.Errorf("[DeadLetter] persist msg %s failed: %v", msg.ID, err)
	}

	d.log.Warnf("[DeadLetter] poisoned message moved (stream=%s, group=%s, msgID=%s, reason=%s)",
		originalStream, group, msg.ID, reason)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
