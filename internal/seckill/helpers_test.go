package seckill

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dianping/internal/cache"
	"dianping/internal/event"
	"dianping/internal/model"
	rediskey "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testStream = "stream.orders"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "seckill.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func seedVoucher(t *testing.T, db *gorm.DB, voucherID int64, stock int) {
	t.Helper()
	require.NoError(t, db.Create(&model.SeckillVoucher{
		VoucherID: voucherID,
		Stock:     stock,
		BeginTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	}).Error)
}

type stubVouchers map[int64]*model.SeckillVoucher

func (s stubVouchers) Seckill(_ context.Context, id int64) (*model.SeckillVoucher, error) {
	v, ok := s[id]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return v, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.OrderCreated
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, ev event.OrderCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newEngine(rdb *rd.Client, vouchers VoucherSource, opts ...EngineOption) *Engine {
	scripts := rediskey.LoadScripts()
	ids := rediskey.NewIDWorker(rdb, rediskey.DefaultEpoch)
	return NewEngine(rdb, scripts, ids, vouchers, testStream, quietLogger(), opts...)
}
