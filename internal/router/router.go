package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"dianping/internal/auth"
	"dianping/internal/cache"
	"dianping/internal/config"
	"dianping/internal/middleware"
	"dianping/internal/model"
	"dianping/internal/seckill"
	"dianping/internal/service"
	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖，由 main 组装。
type Deps struct {
	Redis     *rd.Client
	Scripts   *rediskey.Scripts
	Shops     *service.ShopService
	ShopTypes *service.ShopTypeService
	Vouchers  *service.VoucherService
	Orders    *service.OrderService
	Engine    *seckill.Engine
	Log       *logrus.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	admin := middleware.AdminToken(cfg.AdminToken)
	login := middleware.Auth(d.Redis, cfg.LoginTokenTTL, d.Log)

	api := r.Group("/api")
	// shop
	api.GET("/shop/:id", getShop(d.Shops))
	api.GET("/shop/hot/:id", getHotShop(d.Shops))
	api.POST("/shop/hot/:id/warm", admin, warmShop(d.Shops, cfg.CacheShopTTL))
	api.PUT("/shop", admin, updateShop(d.Shops))
	api.GET("/shop/of/type", listShops(d.Shops))
	api.POST("/shop/geo/load", admin, loadGeo(d.Shops))
	api.GET("/shop-type/list", listShopTypes(d.ShopTypes))
	// voucher
	api.POST("/voucher/seckill", admin, addSeckillVoucher(d.Vouchers))
	api.GET("/voucher/:id/stock", getStock(d.Vouchers))
	// voucher order
	api.POST("/voucher-order/seckill/:id", login,
		middleware.RedisRateLimit(d.Redis, d.Scripts, cfg.SeckillRateLimit, cfg.SeckillRateWindow, d.Log),
		secKill(d.Engine, d.Log))
	api.GET("/voucher-order/:id", login, getOrder(d.Orders))
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"code": status, "msg": msg})
}

// failErr 统一映射：不存在 → 404，其余 → 500。
func failErr(c *gin.Context, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		fail(c, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, cache.ErrStoreUnavailable), errors.Is(err, cache.ErrRebuildBusy):
		fail(c, http.StatusServiceUnavailable, "服务繁忙，请稍后再试")
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, name+" 无效")
		return 0, false
	}
	return id, true
}

// getShop 店铺详情（空值缓存防穿透）。
func getShop(svc *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		shop, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			failErr(c, err, "店铺不存在")
			return
		}
		ok(c, shop)
	}
}

// getHotShop 热点店铺详情（逻辑过期）。
func getHotShop(svc *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		shop, err := svc.GetHot(c.Request.Context(), id)
		if err != nil {
			failErr(c, err, "店铺不存在或未预热")
			return
		}
		ok(c, shop)
	}
}

func warmShop(svc *service.ShopService, defaultTTL time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		ttl := defaultTTL
		if s := c.Query("ttl"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				fail(c, http.StatusBadRequest, "ttl 格式错误，例如 30m")
				return
			}
			ttl = d
		}
		if err := svc.Warm(c.Request.Context(), id, ttl); err != nil {
			failErr(c, err, "店铺不存在")
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

func updateShop(svc *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var shop model.Shop
		if err := c.ShouldBindJSON(&shop); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		if shop.ID <= 0 {
			fail(c, http.StatusBadRequest, "店铺 id 不能为空")
			return
		}
		if err := svc.Update(c.Request.Context(), &shop); err != nil {
			failErr(c, err, "店铺不存在")
			return
		}
		ok(c, nil)
	}
}

// listShops 按类型分页，带 x/y 时按距离排序。
func listShops(svc *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q struct {
			TypeID  int64    `form:"typeId" binding:"required,min=1"`
			Current int      `form:"current,default=1" binding:"min=1"`
			X       *float64 `form:"x"`
			Y       *float64 `form:"y"`
		}
		if err := c.ShouldBindQuery(&q); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		shops, err := svc.ListByType(c.Request.Context(), q.TypeID, q.Current, q.X, q.Y)
		if err != nil {
			failErr(c, err, "")
			return
		}
		ok(c, shops)
	}
}

func loadGeo(svc *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.LoadGeo(c.Request.Context())
		if err != nil {
			failErr(c, err, "")
			return
		}
		ok(c, gin.H{"loaded": n})
	}
}

func listShopTypes(svc *service.ShopTypeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if errors.Is(err, cache.ErrNotFound) {
			ok(c, []model.ShopType{})
			return
		}
		if err != nil {
			failErr(c, err, "")
			return
		}
		ok(c, list)
	}
}

// addSeckillVoucher 创建秒杀券并预热库存。
func addSeckillVoucher(svc *service.VoucherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ShopID      int64  `json:"shopId" binding:"required,min=1"`
			Title       string `json:"title" binding:"required"`
			SubTitle    string `json:"subTitle"`
			Rules       string `json:"rules"`
			PayValue    int64  `json:"payValue" binding:"min=0"`
			ActualValue int64  `json:"actualValue" binding:"min=0"`
			Stock       int    `json:"stock" binding:"required,min=1"`
			BeginTime   string `json:"beginTime" binding:"required"`
			EndTime     string `json:"endTime" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			fail(c, http.StatusBadRequest, "beginTime 格式错误，请用 RFC3339")
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			fail(c, http.StatusBadRequest, "endTime 格式错误，请用 RFC3339")
			return
		}

		v, err := svc.AddSeckillVoucher(c.Request.Context(), service.SeckillVoucherInput{
			ShopID:      req.ShopID,
			Title:       req.Title,
			SubTitle:    req.SubTitle,
			Rules:       req.Rules,
			PayValue:    req.PayValue,
			ActualValue: req.ActualValue,
			Stock:       req.Stock,
			BeginTime:   begin,
			EndTime:     end,
		})
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		ok(c, v)
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(svc *service.VoucherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		n, err := svc.Stock(c.Request.Context(), id)
		if err != nil {
			failErr(c, err, "")
			return
		}
		ok(c, gin.H{"stock": n})
	}
}

// secKill 秒杀下单入口：通过准入即返回订单号，落库异步完成。
func secKill(engine *seckill.Engine, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, valid := paramID(c, "id")
		if !valid {
			return
		}
		u, _ := auth.UserFrom(c.Request.Context())

		orderID, err := engine.Admit(c.Request.Context(), voucherID, u.ID)
		if err != nil {
			if rej, isRej := seckill.AsRejection(err); isRej {
				status := http.StatusBadRequest
				if rej.Reason == seckill.ReasonVoucherNotFound {
					status = http.StatusNotFound
				}
				fail(c, status, rej.Msg)
				return
			}
			log.WithFields(logrus.Fields{"voucher_id": voucherID, "user_id": u.ID}).Errorf("[Seckill] admit failed: %v", err)
			failErr(c, err, "")
			return
		}
		// orderId 以字符串返回，避免前端丢失 int64 精度
		ok(c, gin.H{"orderId": strconv.FormatInt(orderID, 10), "status": service.OrderPending})
	}
}

// getOrder 查询订单异步处理状态。
func getOrder(svc *service.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		u, _ := auth.UserFrom(c.Request.Context())
		st, err := svc.Status(c.Request.Context(), id, u.ID)
		if err != nil {
			failErr(c, err, "订单不存在")
			return
		}
		ok(c, st)
	}
}
