package model

import "time"

const (
	VoucherTypeNormal  = 0
	VoucherTypeSeckill = 1
)

// Voucher 优惠券，金额单位：分。
type Voucher struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	ShopID      int64     `gorm:"not null;index" json:"shopId"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	SubTitle    string    `gorm:"size:255" json:"subTitle"`
	Rules       string    `gorm:"size:1024" json:"rules"`
	PayValue    int64     `gorm:"not null" json:"payValue"`
	ActualValue int64     `gorm:"not null" json:"actualValue"`
	Type        int       `gorm:"not null;default:0" json:"type"`
	Status      int       `gorm:"not null;default:1" json:"status"`
	CreatedAt   time.Time `json:"createTime"`
	UpdatedAt   time.Time `json:"updateTime"`
}

func (Voucher) TableName() string { return "tb_voucher" }

// SeckillVoucher 秒杀券：Stock 为落库库存，只在落单事务中以 stock > 0 为条件扣减。
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false" json:"voucherId"`
	Stock     int       `gorm:"not null" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"beginTime"`
	EndTime   time.Time `gorm:"not null" json:"endTime"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (SeckillVoucher) TableName() string { return "tb_seckill_voucher" }
