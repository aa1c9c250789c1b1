package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// OrderPending 表示已通过准入、已入队，等待异步落单。
	OrderPending = "pending"
	// OrderSuccess 表示异步落单完成。
	OrderSuccess = "success"
	// OrderFailed 表示队列消息无法处理，已进入死信（终态）。
	OrderFailed = "failed"
)

// OrderState 对应 Redis 内的订单异步状态。
type OrderState struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
	Status    string
	Reason    string
}

// GetOrderState 查询订单当前状态。found=false 表示 key 不存在。
func GetOrderState(ctx context.Context, rdb rd.Cmdable, orderID int64) (OrderState, bool, error) {
	m, err := rdb.HGetAll(ctx, OrderStateKey(orderID)).Result()
	if err != nil {
		return OrderState{}, false, err
	}
	if len(m) == 0 {
		return OrderState{}, false, nil
	}

	out := OrderState{
		OrderID: orderID,
		Status:  m["status"],
		Reason:  m["reason"],
	}
	out.UserID, _ = strconv.ParseInt(m["user_id"], 10, 64)
	out.VoucherID, _ = strconv.ParseInt(m["voucher_id"], 10, 64)
	if out.Status == "" {
		out.Status = OrderPending
	}
	return out, true, nil
}

// PutOrderState 更新订单状态并刷新 TTL。零值的 UserID/VoucherID 不覆盖已有字段。
func PutOrderState(ctx context.Context, rdb rd.Cmdable, st OrderState, ttl time.Duration) error {
	key := OrderStateKey(st.OrderID)
	values := []interface{}{"status", st.Status, "reason", st.Reason}
	if st.UserID != 0 {
		values = append(values, "user_id", st.UserID)
	}
	if st.VoucherID != 0 {
		values = append(values, "voucher_id", st.VoucherID)
	}

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
