// Package service 组合 repository 与缓存，对外提供各业务读写路径。
package service

import (
	"context"
	"strconv"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
	"dianping/internal/repository"
	rediskey "dianping/pkg/redis"

	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNotFound 与缓存层共用，便于路由层统一映射 404。
var ErrNotFound = cache.ErrNotFound

const (
	// DefaultPageSize 店铺列表每页条数。
	DefaultPageSize = 5
	// nearbyRadiusKM 附近店铺的搜索半径。
	nearbyRadiusKM = 5
)

type ShopService struct {
	db    *gorm.DB
	rdb   rd.Cmdable
	shops *repository.Repository[model.Shop]
	cache *cache.Client
	ttl   time.Duration
	log   *logrus.Logger
}

func NewShopService(db *gorm.DB, rdb rd.Cmdable, c *cache.Client, ttl time.Duration, log *logrus.Logger) *ShopService {
	return &ShopService{
		db:    db,
		rdb:   rdb,
		shops: repository.New[model.Shop](db),
		cache: c,
		ttl:   ttl,
		log:   log,
	}
}

// Get 普通店铺详情：空值缓存防穿透。
func (s *ShopService) Get(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithPassThrough[model.Shop, int64](ctx, s.cache, rediskey.CacheShopKeyPrefix, id, s.shops.Get, s.ttl)
}

// GetHot 热点店铺详情：逻辑过期，需先 Warm。
func (s *ShopService) GetHot(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithLogicalExpire[model.Shop, int64](ctx, s.cache, rediskey.CacheHotShopKeyPrefix, rediskey.LockShopPrefix, id, s.shops.Get, s.ttl)
}

// Warm 预热热点店铺。
func (s *ShopService) Warm(ctx context.Context, id int64, ttl time.Duration) error {
	shop, err := s.shops.Get(ctx, id)
	if err != nil {
		return err
	}
	if shop == nil {
		return ErrNotFound
	}
	return s.cache.SetWithLogicalExpire(ctx, rediskey.CacheHotShopKeyPrefix+strconv.FormatInt(id, 10), shop, ttl)
}

// Update 先更新数据库再删缓存。
func (s *ShopService) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID <= 0 {
		return errors.New("shop id must be > 0")
	}
	err := repository.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		n, err := s.shops.WithTx(tx).Update(ctx, shop)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	id := strconv.FormatInt(shop.ID, 10)
	return s.cache.Delete(ctx, rediskey.CacheShopKeyPrefix+id, rediskey.CacheHotShopKeyPrefix+id)
}

// ListByType 按类型分页；带坐标时按距离由近到远返回 5km 内的店铺。
func (s *ShopService) ListByType(ctx context.Context, typeID int64, page int, x, y *float64) ([]model.Shop, error) {
	if page < 1 {
		page = 1
	}
	if x == nil || y == nil {
		return s.shops.Page(ctx, page, DefaultPageSize, "type_id = ?", typeID)
	}

	from, end := (page-1)*DefaultPageSize, page*DefaultPageSize
	locs, err := s.rdb.GeoRadius(ctx, rediskey.ShopGeoKey(typeID), *x, *y, &rd.GeoRadiusQuery{
		Radius:   nearbyRadiusKM,
		Unit:     "km",
		WithDist: true,
		Count:    end,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "geo search")
	}
	if len(locs) <= from {
		return []model.Shop{}, nil
	}
	locs = locs[from:]

	ids := make([]int64, 0, len(locs))
	dist := make(map[int64]float64, len(locs))
	for _, l := range locs {
		id, err := strconv.ParseInt(l.Name, 10, 64)
		if err != nil {
			s.log.Warnf("[Shop] bad geo member %q in type %d", l.Name, typeID)
			continue
		}
		ids = append(ids, id)
		dist[id] = l.Dist
	}

	found, err := s.shops.Find(ctx, "", "id IN ?", ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Shop, len(found))
	for _, sh := range found {
		byID[sh.ID] = sh
	}
	// 保持 GEO 返回的距离顺序
	out := make([]model.Shop, 0, len(ids))
	for _, id := range ids {
		sh, ok := byID[id]
		if !ok {
			continue
		}
		d := dist[id]
		sh.Distance = &d
		out = append(out, sh)
	}
	return out, nil
}

// LoadGeo 把全部店铺坐标按类型写入 shop:geo:<typeId>，返回写入条数。
func (s *ShopService) LoadGeo(ctx context.Context) (int, error) {
	shops, err := s.shops.Find(ctx, "", nil)
	if err != nil {
		return 0, err
	}
	byType := make(map[int64][]*rd.GeoLocation)
	for _, sh := range shops {
		byType[sh.TypeID] = append(byType[sh.TypeID], &rd.GeoLocation{
			Name:      strconv.FormatInt(sh.ID, 10),
			Longitude: sh.X,
			Latitude:  sh.Y,
		})
	}

	pipe := s.rdb.Pipeline()
	for typeID, locs := range byType {
		pipe.GeoAdd(ctx, rediskey.ShopGeoKey(typeID), locs...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "load shop geo")
	}
	return len(shops), nil
}
