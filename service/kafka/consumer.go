package kafka

import (
	"context"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type ConsumerGroupHandler struct {
	router *Router
	// 单条消息在本次会话内的最长重试时间；校验类错误不重试
	maxRetry time.Duration
}

// permanent 重放也不会成功的错误：坏记录、未注册的 topic
func permanent(err error) bool {
	switch errs.Code(err) {
	case errs.ValidationError, errs.NotFound:
		return true
	}
	return false
}

func NewConsumerGroupHandler(r *Router, maxRetry time.Duration) *ConsumerGroupHandler {
	if maxRetry <= 0 {
		maxRetry = 30 * time.Second
	}
	return &ConsumerGroupHandler{router: r, maxRetry: maxRetry}
}

func (h *ConsumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	logger.Info("consumer group setup", zap.String("member", s.MemberID()))
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("consumer group cleanup")
	return nil
}

func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		if err := h.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// rebalance/关闭：不提交，由下一个持有者重新消费
				return nil
			}
			if !permanent(err) {
				// 存储仍不可用：不提交 offset，结束本次会话，重新加入后从这条开始
				logger.Warn("kafka message not persisted, will be redelivered",
					zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset), zap.Error(err))
				return err
			}
			logger.Error("kafka message dropped",
				zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *ConsumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	handler, err := h.router.GetHandler(msg.Topic)
	if err != nil {
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = h.maxRetry
	return backoff.Retry(func() error {
		err := handler(ctx, msg.Topic, msg.Key, msg.Value)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// StartConsumerGroup 阻塞消费直到 ctx 结束
func StartConsumerGroup(ctx context.Context, c Config, r *Router) error {
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, BuildBaseConfig(c))
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("kafka consumer group init failed", "err", err)
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	handler := NewConsumerGroupHandler(r, 0)
	topics := r.Topics()
	for ctx.Err() == nil {
		if err := group.Consume(ctx, topics, handler); err != nil {
			logger.Warn("consume error", zap.Error(err))
		}
		// 会话因存储故障结束时避免立刻重连空转
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	return nil
}
