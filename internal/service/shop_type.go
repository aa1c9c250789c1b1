package service

import (
	"context"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
	"dianping/internal/repository"
	rediskey "dianping/pkg/redis"

	"gorm.io/gorm"
)

const shopTypeLockResource = "shop-type:list"

// ShopTypeService 首页类型列表，所有请求共用一个 key，用互斥重建防击穿。
type ShopTypeService struct {
	types *repository.Repository[model.ShopType]
	cache *cache.Client
	ttl   time.Duration
}

func NewShopTypeService(db *gorm.DB, c *cache.Client, ttl time.Duration) *ShopTypeService {
	return &ShopTypeService{types: repository.New[model.ShopType](db), cache: c, ttl: ttl}
}

func (s *ShopTypeService) List(ctx context.Context) ([]model.ShopType, error) {
	list, err := cache.QueryWithMutex[[]model.ShopType, string](ctx, s.cache, rediskey.CacheShopTypeListKey, shopTypeLockResource, "", s.load, s.ttl)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (s *ShopTypeService) load(ctx context.Context, _ string) (*[]model.ShopType, error) {
	list, err := s.types.Find(ctx, "sort ASC", nil)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list, nil
}
