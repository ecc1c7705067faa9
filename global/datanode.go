package global

import (
	"context"

	"PPChat/config"
	"PPChat/logger"
	"PPChat/service/kafka"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// RunDataNode 数据节点：消费网关投递的密文记录并落库，阻塞到 ctx 结束
func RunDataNode(ctx context.Context, cfg *config.AppConfig) error {
	if !cfg.Kafka.Enabled {
		return errs.ErrValidation.WrapMsg("data node requires kafka.enabled")
	}
	ConfigIds(cfg)

	var c closer
	defer c.Close()
	store, err := ConfigStore(ctx, cfg, &c)
	if err != nil {
		return err
	}

	kc := KafkaConf(cfg)
	if cfg.Kafka.AutoCreate {
		if err := kafka.EnsureTopic(kc); err != nil {
			return err
		}
	}

	r := kafka.NewRouter()
	r.RegisterHandler(kc.Topic, kafka.RecordHandler(store))

	logger.Info("data node consuming",
		zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.Topic), zap.String("group", kc.GroupID))
	return kafka.StartConsumerGroup(ctx, kc, r)
}
