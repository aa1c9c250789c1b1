package seckill

import (
	"context"
	"strings"

	"dianping/internal/model"
	"dianping/internal/repository"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Materializer 把通过准入的订单落库。
type Materializer struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewMaterializer(db *gorm.DB, log *logrus.Logger) *Materializer {
	return &Materializer{db: db, log: log}
}

// Materialize 是落单的事务边界，由消费循环直接调用：
// 一人一单复查 → stock > 0 条件扣库存 → 插入订单。
// 复查或库存条件不满足时事务为空操作，返回 created=false 且 err=nil，消息照常 ACK。
func (m *Materializer) Materialize(ctx context.Context, order model.VoucherOrder) (bool, error) {
	var created bool
	err := repository.Transaction(ctx, m.db, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", order.UserID, order.VoucherID).
			Count(&n).Error; err != nil {
			return errors.Wrap(err, "count orders")
		}
		if n > 0 {
			m.log.WithFields(logrus.Fields{"order_id": order.ID, "user_id": order.UserID, "voucher_id": order.VoucherID}).
				Info("[Materialize] user already holds an order, skipping")
			return nil
		}

		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", order.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return errors.Wrap(res.Error, "decrement stock")
		}
		if res.RowsAffected == 0 {
			m.log.WithFields(logrus.Fields{"order_id": order.ID, "voucher_id": order.VoucherID}).
				Warn("[Materialize] durable stock exhausted, skipping")
			return nil
		}

		if err := tx.Create(&order).Error; err != nil {
			return errors.Wrap(err, "insert order")
		}
		created = true
		return nil
	})
	if err != nil {
		if isDuplicateError(err) {
			// 并发重投被唯一索引挡住，整笔事务已回滚，视为已处理
			m.log.Warnf("[Materialize] duplicate order detected (idempotent success), order_id=%d", order.ID)
			return false, nil
		}
		return false, err
	}
	return created, nil
}

func isDuplicateError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
