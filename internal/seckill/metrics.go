package seckill

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "dianping.seckill"

type metrics struct {
	admitted     metric.Int64Counter
	rejected     metric.Int64Counter
	materialized metric.Int64Counter
	redelivered  metric.Int64Counter
	failed       metric.Int64Counter
	deadLettered metric.Int64Counter
}

// newMetrics 使用全局 MeterProvider；未安装 SDK 时为 noop。
func newMetrics(log *logrus.Logger) *metrics {
	meter := otel.GetMeterProvider().Meter(meterName)
	m := &metrics{}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		c, e := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{orders}"))
		if e != nil {
			err = e
		}
		return c
	}
	m.admitted = counter("seckill_admitted_total", "purchase attempts admitted")
	m.rejected = counter("seckill_rejected_total", "purchase attempts rejected, by reason")
	m.materialized = counter("seckill_materialized_total", "orders committed to the database")
	m.redelivered = counter("seckill_redelivered_total", "entries acknowledged without creating a row")
	m.failed = counter("seckill_consume_failed_total", "entries left pending after a processing error")
	m.deadLettered = counter("seckill_dead_lettered_total", "entries moved to the dead letter stream")
	if err != nil {
		log.Warnf("failed to register seckill metrics: %v", err)
	}
	return m
}

func (m *metrics) reject(ctx context.Context, reason Reason) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}
