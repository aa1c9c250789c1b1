package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，默认值写在 tag 里。
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// DBDriver 取 sqlite 或 mysql
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"dianping.db"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// IDEpoch 订单号时间戳部分的起点（unix 秒）
	IDEpoch int64 `envconfig:"ID_EPOCH" default:"1679875200"`

	// 订单 stream 与消费者组；消费者名为空时取主机名
	OrderStream       string        `envconfig:"ORDER_STREAM" default:"stream.orders"`
	OrderGroup        string        `envconfig:"ORDER_GROUP" default:"g1"`
	OrderConsumer     string        `envconfig:"ORDER_CONSUMER"`
	OrderDeadStream   string        `envconfig:"ORDER_DEAD_STREAM" default:"stream.orders.dead"`
	OrderLockTTL      time.Duration `envconfig:"ORDER_LOCK_TTL" default:"30s"`
	OrderStateTTL     time.Duration `envconfig:"ORDER_STATE_TTL" default:"24h"`
	RecoveryPause     time.Duration `envconfig:"RECOVERY_PAUSE" default:"200ms"`
	MaxDecodeAttempts int           `envconfig:"MAX_DECODE_ATTEMPTS" default:"3"`

	// 缓存重建
	CacheRebuildWorkers int           `envconfig:"CACHE_REBUILD_WORKERS" default:"10"`
	CacheShopTTL        time.Duration `envconfig:"CACHE_SHOP_TTL" default:"30m"`
	CacheLockTTL        time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`

	// 秒杀接口限流
	SeckillRateLimit  int           `envconfig:"SECKILL_RATE_LIMIT" default:"1000"`
	SeckillRateWindow time.Duration `envconfig:"SECKILL_RATE_WINDOW" default:"1s"`

	LoginTokenTTL time.Duration `envconfig:"LOGIN_TOKEN_TTL" default:"30m"`
	// 管理接口的简单令牌（demo 级别保护）
	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`

	// Kafka 为空时不发布订单事件
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"dianping.order.created"`

	// 为空时不导出指标
	OTelMetricsEndpoint string `envconfig:"OTEL_METRICS_ENDPOINT"`
}

// Load 读取并校验配置。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process env config: %w", err)
	}
	if cfg.OrderConsumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "c1"
		}
		cfg.OrderConsumer = host
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate 检查取值范围。
func (c AppConfig) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "mysql" {
		return fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	if c.OrderStream == "" || c.OrderGroup == "" || c.OrderDeadStream == "" {
		return fmt.Errorf("ORDER_STREAM, ORDER_GROUP and ORDER_DEAD_STREAM must not be empty")
	}
	if c.OrderStream == c.OrderDeadStream {
		return fmt.Errorf("ORDER_DEAD_STREAM must differ from ORDER_STREAM")
	}
	if c.IDEpoch < 0 || c.IDEpoch > time.Now().Unix() {
		return fmt.Errorf("ID_EPOCH must be a past unix timestamp")
	}
	if c.MaxDecodeAttempts <= 0 {
		return fmt.Errorf("MAX_DECODE_ATTEMPTS must be > 0")
	}
	if c.CacheRebuildWorkers <= 0 {
		return fmt.Errorf("CACHE_REBUILD_WORKERS must be > 0")
	}
	if c.SeckillRateLimit <= 0 {
		return fmt.Errorf("SECKILL_RATE_LIMIT must be > 0")
	}
	if c.SeckillRateWindow < time.Second {
		return fmt.Errorf("SECKILL_RATE_WINDOW must be >= 1s")
	}
	for name, d := range map[string]time.Duration{
		"ORDER_LOCK_TTL":  c.OrderLockTTL,
		"ORDER_STATE_TTL": c.OrderStateTTL,
		"RECOVERY_PAUSE":  c.RecoveryPause,
		"CACHE_SHOP_TTL":  c.CacheShopTTL,
		"CACHE_LOCK_TTL":  c.CacheLockTTL,
		"LOGIN_TOKEN_TTL": c.LoginTokenTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	return nil
}
