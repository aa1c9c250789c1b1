package seckill

import (
	"errors"
)

// Reason 准入被拒的业务原因。
type Reason string

const (
	ReasonOutOfStock        Reason = "out_of_stock"
	ReasonDuplicatePurchase Reason = "duplicate_purchase"
	ReasonNotStarted        Reason = "not_started"
	ReasonEnded             Reason = "ended"
	ReasonVoucherNotFound   Reason = "voucher_not_found"
)

// RejectionError 是返回给调用方的业务拒绝，不消耗库存、不产生队列消息。
type RejectionError struct {
	Reason Reason
	Msg    string
}

func (e *RejectionError) Error() string { return e.Msg }

var (
	ErrOutOfStock        = &RejectionError{Reason: ReasonOutOfStock, Msg: "库存不足"}
	ErrDuplicatePurchase = &RejectionError{Reason: ReasonDuplicatePurchase, Msg: "不能重复下单"}
	ErrNotStarted        = &RejectionError{Reason: ReasonNotStarted, Msg: "秒杀尚未开始"}
	ErrEnded             = &RejectionError{Reason: ReasonEnded, Msg: "秒杀已经结束"}
	ErrVoucherNotFound   = &RejectionError{Reason: ReasonVoucherNotFound, Msg: "秒杀券不存在"}
)

// AsRejection 判断 err 是否为业务拒绝。
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	// ErrBadEntry 队列消息无法解析。
	ErrBadEntry = errors.New("malformed order entry")
	// ErrOrderLocked 该用户的订单正由其他消费者处理，消息留在 pending 等待下一轮。
	ErrOrderLocked = errors.New("order lock held by another consumer")
)
