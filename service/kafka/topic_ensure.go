package kafka

import (
	"errors"

	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EnsureTopic 连接集群并保证消息 topic 存在
func EnsureTopic(c Config) error {
	admin, err := sarama.NewClusterAdmin(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("kafka admin init failed", "err", err)
	}
	defer admin.Close()
	return EnsureTopicsWith(admin, []string{c.Topic}, c)
}

// EnsureTopicsWith 会：
// 1) 不存在就按配置创建；
// 2) 已存在且分区数 < 期望值时扩分区（Kafka 只能增加分区）。
func EnsureTopicsWith(admin sarama.ClusterAdmin, topics []string, c Config) error {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return errs.ErrStoreUnavailable.WrapMsg("describe topic", "topic", t, "err", err)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     c.Partitions,
				ReplicationFactor: c.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					logger.Info("[Topic] exists (race)", zap.String("topic", t))
					continue
				}
				return errs.ErrStoreUnavailable.WrapMsg("create topic", "topic", t, "err", err)
			}
			logger.Info("[Topic] created", zap.String("topic", t), zap.Int32("partitions", c.Partitions))
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if c.Partitions > cur {
			if err := admin.CreatePartitions(t, c.Partitions, nil, false); err != nil {
				return errs.ErrStoreUnavailable.WrapMsg("expand partitions", "topic", t, "from", cur, "to", c.Partitions, "err", err)
			}
			logger.Info("[Topic] partitions expanded", zap.String("topic", t), zap.Int32("from", cur), zap.Int32("to", c.Partitions))
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
