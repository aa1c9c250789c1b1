package seckill

import (
	"fmt"
	"strconv"

	"dianping/internal/model"
)

// 订单消息字段，由 seckill 脚本 XADD 写入。
const (
	fieldOrderID   = "id"
	fieldUserID    = "userId"
	fieldVoucherID = "voucherId"
)

// parseEntry 把 stream 消息还原成待落库的订单。
func parseEntry(values map[string]interface{}) (model.VoucherOrder, error) {
	orderID, err := getStreamInt(values, fieldOrderID)
	if err != nil {
		return model.VoucherOrder{}, err
	}
	userID, err := getStreamInt(values, fieldUserID)
	if err != nil {
		return model.VoucherOrder{}, err
	}
	voucherID, err := getStreamInt(values, fieldVoucherID)
	if err != nil {
		return model.VoucherOrder{}, err
	}

	order := model.VoucherOrder{
		ID:        orderID,
		UserID:    userID,
		VoucherID: voucherID,
		Status:    model.OrderStatusUnpaid,
	}
	if err := validate(order); err != nil {
		return model.VoucherOrder{}, err
	}
	return order, nil
}

// validate 做最小字段校验，防止消费者处理脏消息。
func validate(o model.VoucherOrder) error {
	if o.ID <= 0 {
		return fmt.Errorf("%s must be > 0", fieldOrderID)
	}
	if o.UserID <= 0 {
		return fmt.Errorf("%s must be > 0", fieldUserID)
	}
	if o.VoucherID <= 0 {
		return fmt.Errorf("%s must be > 0", fieldVoucherID)
	}
	return nil
}

func getStreamInt(values map[string]interface{}, key string) (int64, error) {
	v, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing field %s", key)
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("unsupported field type %s: %T", key, v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

// orderIDOf 尽量从脏消息中取出订单号，用于把订单状态标记为失败。
func orderIDOf(values map[string]interface{}) (int64, bool) {
	id, err := getStreamInt(values, fieldOrderID)
	return id, err == nil && id > 0
}
