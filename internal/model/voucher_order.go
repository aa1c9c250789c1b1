package model

import "time"

const (
	OrderStatusUnpaid = 1
)

// VoucherOrder 秒杀订单。ID 由 IDWorker 预分配；(user_id, voucher_id) 唯一保证一人一单。
type VoucherOrder struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_user_voucher" json:"userId"`
	VoucherID int64     `gorm:"not null;uniqueIndex:idx_user_voucher" json:"voucherId"`
	Status    int       `gorm:"not null;default:1" json:"status"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (VoucherOrder) TableName() string { return "tb_voucher_order" }

// DeadMessage 无法解析的队列消息，落库便于人工排查。
type DeadMessage struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Stream    string    `gorm:"size:64;not null" json:"stream"`
	Group     string    `gorm:"column:consumer_group;size:64;not null" json:"group"`
	MsgID     string    `gorm:"size:64;uniqueIndex;not null" json:"msgId"`
	Payload   string    `gorm:"type:text" json:"payload"`
	Reason    string    `gorm:"size:255" json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

func (DeadMessage) TableName() string { return "dead_messages" }

// All 返回需要 AutoMigrate 的全部模型。
func All() []interface{} {
	return []interface{}{&Shop{}, &ShopType{}, &Voucher{}, &SeckillVoucher{}, &VoucherOrder{}, &DeadMessage{}}
}
