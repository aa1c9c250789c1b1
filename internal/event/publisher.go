package event

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// OrderCreated 落单成功后对外广播的事件。
type OrderCreated struct {
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher 订单事件出口。落单流程只做 best effort 投递，失败不影响 ACK。
type Publisher interface {
	PublishOrderCreated(ctx context.Context, ev OrderCreated) error
	Close() error
}

// KafkaPublisher 封装 Kafka 写入器。
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher 创建生产者：
// - Hash + Key: 同一订单号落同一分区。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// PublishOrderCreated 同步写入一条事件，订单号作为 key。
func (p *KafkaPublisher) PublishOrderCreated(ctx context.Context, ev OrderCreated) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: b,
		Time:  ev.CreatedAt,
	})
}

// NopPublisher 未配置 Kafka 时使用。
type NopPublisher struct{}

func (NopPublisher) PublishOrderCreated(context.Context, OrderCreated) error { return nil }
func (NopPublisher) Close() error                                            { return nil }
