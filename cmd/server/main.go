package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dianping/internal/cache"
	"dianping/internal/config"
	"dianping/internal/event"
	"dianping/internal/model"
	"dianping/internal/router"
	"dianping/internal/seckill"
	"dianping/internal/service"
	"dianping/internal/worker"
	rediskey "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/extra/redisotel/v9"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const serviceName = "dianping"

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 指标导出（可选）
	if cfg.OTelMetricsEndpoint != "" {
		mp, err := initMetrics(ctx, cfg.OTelMetricsEndpoint)
		if err != nil {
			log.Warnf("init metrics failed, continuing without export: %v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Warnf("shutdown meter provider: %v", err)
				}
			}()
		}
	}

	// 2. 数据库与 Redis
	db := initDB(cfg)
	rdb := initRedis(ctx, cfg)
	defer rdb.Close()

	scripts := rediskey.LoadScripts()
	if err := scripts.Preload(ctx, rdb); err != nil {
		log.Fatalf("preload lua scripts: %v", err)
	}

	// 3. 组件
	pool := worker.NewPool(cfg.CacheRebuildWorkers, log)
	locker := rediskey.NewLocker(rdb, scripts)
	ids := rediskey.NewIDWorker(rdb, cfg.IDEpoch)
	cacheClient := cache.New(rdb, locker, pool, log, cache.WithLockTTL(cfg.CacheLockTTL))

	shops := service.NewShopService(db, rdb, cacheClient, cfg.CacheShopTTL, log)
	shopTypes := service.NewShopTypeService(db, cacheClient, cfg.CacheShopTTL)
	vouchers := service.NewVoucherService(db, rdb, cacheClient, cfg.CacheShopTTL)
	orders := service.NewOrderService(db, rdb)

	engine := seckill.NewEngine(rdb, scripts, ids, vouchers, cfg.OrderStream, log, seckill.WithStateTTL(cfg.OrderStateTTL))

	var events event.Publisher = event.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		events = event.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Infof("publishing order events to kafka topic %s", cfg.KafkaTopic)
	}
	defer events.Close()

	consumer := seckill.NewConsumer(rdb, locker,
		seckill.NewMaterializer(db, log),
		seckill.NewDeadLetter(rdb, db, cfg.OrderDeadStream, log),
		events,
		seckill.ConsumerConfig{
			Stream:            cfg.OrderStream,
			Group:             cfg.OrderGroup,
			Consumer:          cfg.OrderConsumer,
			RecoveryPause:     cfg.RecoveryPause,
			MaxDecodeAttempts: cfg.MaxDecodeAttempts,
			OrderLockTTL:      cfg.OrderLockTTL,
			StateTTL:          cfg.OrderStateTTL,
		}, log)

	// 4. HTTP
	r := gin.Default()
	router.Setup(r, router.Deps{
		Redis:     rdb,
		Scripts:   scripts,
		Shops:     shops,
		ShopTypes: shopTypes,
		Vouchers:  vouchers,
		Orders:    orders,
		Engine:    engine,
		Log:       log,
	}, cfg)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("http server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gracefully shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("server exited: %v", err)
	}
	// 等后台缓存重建结束再关 Redis
	pool.Close()
	log.Info("bye")
}

func initMetrics(ctx context.Context, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		log.Warnf("create otel resource: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func initDB(cfg config.AppConfig) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "mysql":
		dialector = mysql.Open(cfg.DBDSN)
	default:
		dialector = sqlite.Open(cfg.DBDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open %s: %v", cfg.DBDriver, err)
	}
	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Fatalf("init otelgorm plugin: %v", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	log.Infof("connected to %s", cfg.DBDriver)
	return db
}

func initRedis(ctx context.Context, cfg config.AppConfig) *rd.Client {
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		log.Fatalf("instrument redis: %v", err)
	}

	// 带重试的 Redis 连接
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Infof("connected to redis %s", cfg.RedisAddr)
			return rdb
		}
		if i == maxRetries-1 {
			log.Fatalf("connect redis after %d retries: %v", maxRetries, err)
		}
		backoff := time.Duration(1<<i) * time.Second
		log.Warnf("redis not ready (%v), retrying in %s", err, backoff)
		time.Sleep(backoff)
	}
	return rdb
}
