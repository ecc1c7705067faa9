package global

import (
	"context"

	"PPChat/config"
	"PPChat/data/database/mgo/mongoutil"
	"PPChat/logger"
	"PPChat/module/message"
	"PPChat/service/kafka"
	"PPChat/service/ratelimit"
	"PPChat/service/storage"
	redisx "PPChat/service/storage/redis"
	"PPChat/tools/ids"
	"PPChat/tools/security"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// closer 关闭顺序与创建顺序相反
type closer struct {
	fns []func()
}

func (c *closer) add(f func()) { c.fns = append(c.fns, f) }

func (c *closer) Close() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

func ConfigLogger(cfg *config.AppConfig) error {
	return logger.Init(cfg.Log)
}

func ConfigIds(cfg *config.AppConfig) {
	ids.SetNodeID(cfg.Node.SnowID)
}

// needRedis 限流、在线状态、密钥环、去重都共用一个 Redis
func needRedis(cfg *config.AppConfig) bool {
	return cfg.RateLimit.Backend == "redis"
}

// ConfigRedis 初始化进程内共享的 Redis 连接，由 closer 负责 CloseRedis
func ConfigRedis(cfg *config.AppConfig, c *closer) (*redis.Client, error) {
	rdb, err := redisx.InitRedis(redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	c.add(func() {
		if err := redisx.CloseRedis(); err != nil {
			logger.Warn("redis close", zap.Error(err))
		}
	})
	return rdb, nil
}

// ConfigLimiterStore 有 Redis 时共享计数；否则用进程内计数并启动过期清理，由 closer 停止
func ConfigLimiterStore(cfg *config.AppConfig, rdb *redis.Client, c *closer) ratelimit.Store {
	if rdb != nil {
		return ratelimit.NewRedisStore(rdb)
	}
	logger.Warn("rate limiter uses in-process counters; limits are per node")
	ms := ratelimit.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ms.Run(ctx, cfg.RateLimit.SweepEvery)
	}()
	c.add(func() {
		cancel()
		<-done
	})
	return ms
}

func ConfigLimiter(cfg *config.AppConfig, store ratelimit.Store) *ratelimit.Limiter {
	policies := make(map[ratelimit.Kind]ratelimit.Policy, len(cfg.RateLimit.Policies))
	for k, p := range cfg.RateLimit.Policies {
		policies[ratelimit.Kind(k)] = ratelimit.Policy{Limit: p.Limit, Window: p.Window, Block: p.Block}
	}
	return ratelimit.New(store, ratelimit.Options{
		Policies:     policies,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		StoreTimeout: cfg.RateLimit.StoreTimeout,
		FailClosed:   cfg.RateLimit.FailClosed,
	})
}

// ConfigStore 按 driver 打开消息存储
func ConfigStore(ctx context.Context, cfg *config.AppConfig, c *closer) (message.Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		s, err := message.NewPgStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.add(s.Close)
		return s, nil
	case config.StoreMongo:
		m := cfg.Store.Mongo
		s, err := message.NewMongoStore(ctx, &mongoutil.Config{
			Uri:         m.URI,
			Database:    m.Database,
			Username:    m.Username,
			Password:    m.Password,
			MaxPoolSize: m.MaxPoolSize,
			MaxRetry:    3,
		}, m.Collection)
		if err != nil {
			return nil, err
		}
		c.add(func() { _ = s.Close(context.Background()) })
		return s, nil
	default:
		logger.Warn("message store is in memory; history is lost on restart")
		return message.NewMemStore(), nil
	}
}

func KafkaConf(cfg *config.AppConfig) kafka.Config {
	k := cfg.Kafka
	return kafka.Config{
		Brokers:           k.Brokers,
		Topic:             k.Topic,
		GroupID:           k.GroupID,
		Compression:       k.Compression,
		InitialOffset:     k.InitialOffset,
		Retries:           k.Retries,
		Partitions:        k.Partitions,
		ReplicationFactor: k.Replication,
	}
}

// ConfigSink 开启 Kafka 时网关只投递，由数据节点落库
func ConfigSink(cfg *config.AppConfig, store message.Store, c *closer) (message.Sink, error) {
	if !cfg.Kafka.Enabled {
		return message.StoreSink{Store: store}, nil
	}
	p, err := kafka.NewProducer(KafkaConf(cfg))
	if err != nil {
		return nil, err
	}
	c.add(func() {
		if err := p.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	})
	return p, nil
}

func ConfigKeyRing(cfg *config.AppConfig, rdb *redis.Client) storage.KeyRing {
	if rdb == nil {
		return storage.NewMemKeyRing()
	}
	return storage.NewRedisKeyRing(rdb, cfg.Redis.KeyPrefix)
}

func ConfigIdem(cfg *config.AppConfig, rdb *redis.Client) storage.IdemStore {
	if rdb == nil {
		return storage.NewMemIdem(cfg.Hub.IdemTTL, nil)
	}
	return storage.NewRedisIdem(rdb, cfg.Redis.KeyPrefix)
}

func ConfigCipher(cfg *config.AppConfig) (*security.Cipher, error) {
	return security.NewCipher(cfg.Crypto.Iterations)
}

func JWTOptions(cfg *config.AppConfig) security.Options {
	o := security.DefaultOptions([]byte(cfg.JWT.Secret))
	if cfg.JWT.Alg != "" {
		o.Alg = cfg.JWT.Alg
	}
	if cfg.JWT.TTL > 0 {
		o.TTL = cfg.JWT.TTL
	}
	return o
}
