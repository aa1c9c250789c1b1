package model

import "time"

// Shop 店铺。坐标 X/Y 为经纬度，Distance 仅在附近查询时填充。
type Shop struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	TypeID    int64     `gorm:"not null;index" json:"typeId"`
	Images    string    `gorm:"size:1024" json:"images"`
	Area      string    `gorm:"size:128" json:"area"`
	Address   string    `gorm:"size:255" json:"address"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	AvgPrice  int64     `json:"avgPrice"`
	Sold      int       `json:"sold"`
	Comments  int       `json:"comments"`
	Score     int       `json:"score"`
	OpenHours string    `gorm:"size:32" json:"openHours"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`

	Distance *float64 `gorm:"-" json:"distance,omitempty"`
}

func (Shop) TableName() string { return "tb_shop" }

// ShopType 店铺类型，按 Sort 升序展示。
type ShopType struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:32" json:"name"`
	Icon      string    `gorm:"size:255" json:"icon"`
	Sort      int       `json:"sort"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (ShopType) TableName() string { return "tb_shop_type" }
