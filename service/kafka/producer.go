package kafka

import (
	"context"
	"encoding/json"

	"PPChat/module/message"
	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
)

// Producer 网关侧持久化出口：把密文记录投给数据节点，key 为会话 id
type Producer struct {
	p     sarama.SyncProducer
	topic string
}

func NewProducer(c Config) (*Producer, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errs.ErrValidation.WrapMsg("kafka brokers and topic are required")
	}
	p, err := sarama.NewSyncProducer(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("kafka producer init failed", "brokers", c.Brokers, "err", err)
	}
	return NewProducerFrom(p, c.Topic), nil
}

func NewProducerFrom(p sarama.SyncProducer, topic string) *Producer {
	return &Producer{p: p, topic: topic}
}

// Persist 同步发送，broker 确认后返回
func (p *Producer) Persist(ctx context.Context, r *message.Record) error {
	if err := ctx.Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("persist cancelled", "err", err)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errs.Wrap(err)
	}
	_, _, err = p.p.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(r.ThreadID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("msg-id"), Value: []byte(r.ID)},
		},
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("kafka send failed", "topic", p.topic, "err", err)
	}
	return nil
}

func (p *Producer) Close() error { return p.p.Close() }

// RecordHandler 数据节点：解码记录写库；Save 按 ID 幂等，重复消费无害
func RecordHandler(store message.Store) MessageHandler {
	return func(ctx context.Context, _ string, _, value []byte) error {
		var r message.Record
		if err := json.Unmarshal(value, &r); err != nil {
			return errs.ErrValidation.WrapMsg("bad record", "err", err)
		}
		if r.ID == "" || r.ThreadID == "" {
			return errs.ErrValidation.WrapMsg("record without id or thread")
		}
		return store.Save(ctx, &r)
	}
}
