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
	"gorm.io/gorm"
)

// SeckillVoucherInput 新建秒杀券的参数。
type SeckillVoucherInput struct {
	ShopID      int64
	Title       string
	SubTitle    string
	Rules       string
	PayValue    int64
	ActualValue int64
	Stock       int
	BeginTime   time.Time
	EndTime     time.Time
}

func (in SeckillVoucherInput) validate() error {
	switch {
	case in.ShopID <= 0:
		return errors.New("shopId must be > 0")
	case in.Title == "":
		return errors.New("title must not be empty")
	case in.Stock <= 0:
		return errors.New("stock must be > 0")
	case !in.EndTime.After(in.BeginTime):
		return errors.New("endTime must be after beginTime")
	}
	return nil
}

type VoucherService struct {
	db       *gorm.DB
	rdb      rd.Cmdable
	vouchers *repository.Repository[model.Voucher]
	seckills *repository.Repository[model.SeckillVoucher]
	cache    *cache.Client
	ttl      time.Duration
}

func NewVoucherService(db *gorm.DB, rdb rd.Cmdable, c *cache.Client, ttl time.Duration) *VoucherService {
	return &VoucherService{
		db:       db,
		rdb:      rdb,
		vouchers: repository.New[model.Voucher](db),
		seckills: repository.New[model.SeckillVoucher](db),
		cache:    c,
		ttl:      ttl,
	}
}

// AddSeckillVoucher 事务内写入券与秒杀信息，提交后把库存预热到 Redis。
func (s *VoucherService) AddSeckillVoucher(ctx context.Context, in SeckillVoucherInput) (*model.Voucher, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	v := &model.Voucher{
		ShopID:      in.ShopID,
		Title:       in.Title,
		SubTitle:    in.SubTitle,
		Rules:       in.Rules,
		PayValue:    in.PayValue,
		ActualValue: in.ActualValue,
		Type:        model.VoucherTypeSeckill,
		Status:      1,
	}
	err := repository.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := s.vouchers.WithTx(tx).Create(ctx, v); err != nil {
			return err
		}
		return s.seckills.WithTx(tx).Create(ctx, &model.SeckillVoucher{
			VoucherID: v.ID,
			Stock:     in.Stock,
			BeginTime: in.BeginTime,
			EndTime:   in.EndTime,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.rdb.Set(ctx, rediskey.SeckillStockKey(v.ID), in.Stock, 0).Err(); err != nil {
		return nil, errors.Wrap(err, "preload seckill stock")
	}
	if err := s.cache.Delete(ctx, rediskey.CacheSeckillKeyPrefix+strconv.FormatInt(v.ID, 10)); err != nil {
		return nil, err
	}
	return v, nil
}

// Seckill 读秒杀券活动信息，供准入时间窗校验。
func (s *VoucherService) Seckill(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	return cache.QueryWithPassThrough[model.SeckillVoucher, int64](ctx, s.cache, rediskey.CacheSeckillKeyPrefix, voucherID, s.seckills.Get, s.ttl)
}

// Stock Redis 中的实时库存，key 不存在视为 0。
func (s *VoucherService) Stock(ctx context.Context, voucherID int64) (int64, error) {
	n, err := s.rdb.Get(ctx, rediskey.SeckillStockKey(voucherID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "get seckill stock")
	}
	return n, nil
}
