package service

import (
	"context"

	"dianping/internal/model"
	"dianping/internal/repository"
	rediskey "dianping/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// 对外展示的订单状态。
const (
	OrderCreated = "created"
	OrderPending = "pending"
	OrderFailed  = "failed"
)

type OrderStatus struct {
	OrderID   int64  `json:"orderId"`
	VoucherID int64  `json:"voucherId,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type OrderService struct {
	rdb    rd.Cmdable
	orders *repository.Repository[model.VoucherOrder]
}

func NewOrderService(db *gorm.DB, rdb rd.Cmdable) *OrderService {
	return &OrderService{rdb: rdb, orders: repository.New[model.VoucherOrder](db)}
}

// Status 先查库，已落单即 created；否则看 Redis 中的异步状态。只能查询自己的订单。
func (s *OrderService) Status(ctx context.Context, orderID, userID int64) (OrderStatus, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	if o != nil {
		if o.UserID != userID {
			return OrderStatus{}, ErrNotFound
		}
		return OrderStatus{OrderID: o.ID, VoucherID: o.VoucherID, Status: OrderCreated}, nil
	}

	st, found, err := rediskey.GetOrderState(ctx, s.rdb, orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	if !found || (st.UserID != 0 && st.UserID != userID) {
		return OrderStatus{}, ErrNotFound
	}

	out := OrderStatus{OrderID: orderID, VoucherID: st.VoucherID, Reason: st.Reason}
	switch st.Status {
	case rediskey.OrderPending:
		out.Status = OrderPending
	case rediskey.OrderFailed:
		out.Status = OrderFailed
	default:
		// 消费完成但库里没有这一单：落单事务判定为重复或库存不足
		out.Status = OrderFailed
		if out.Reason == "" {
			out.Reason = "not materialized"
		}
	}
	return out, nil
}
