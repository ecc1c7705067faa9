package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"gopkg.in/yaml.v3"
)

const (
	NodeTypeMsgGateWay = "msgGateWay"  // 网关节点
	NodeTypeDataNode   = "msgDataNode" // 数据节点

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	MinKDFIterations = 100_000
)

type AppConfig struct {
	Node      NodeConfig      `yaml:"node"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Log       logger.Config   `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Store     StoreConfig     `yaml:"store"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Hub       HubConfig       `yaml:"hub"`
}

type NodeConfig struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	SnowID int64  `yaml:"snowId"` // 雪花节点号 0~1023
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	WSPath         string   `yaml:"wsPath"`
	AllowedOrigins []string `yaml:"allowedOrigins"` // 为空不校验 Origin
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // 健康检查端口；为空不启动
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"poolSize"`
	KeyPrefix  string `yaml:"keyPrefix"`
	ClusterTag bool   `yaml:"clusterTag"`
}

type NATSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Servers []string `yaml:"servers"`
	Name    string   `yaml:"name"`
	User    string   `yaml:"user"`
	Pass    string   `yaml:"pass"`
	Subject string   `yaml:"subject"` // 房间事件前缀，如 chat.room
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	GroupID       string   `yaml:"groupId"`
	Compression   string   `yaml:"compression"` // none/snappy/lz4/zstd
	InitialOffset string   `yaml:"initialOffset"`
	Retries       int      `yaml:"retries"`
	AutoCreate    bool     `yaml:"autoCreate"` // 数据节点启动时建 topic
	Partitions    int32    `yaml:"partitions"`
	Replication   int16    `yaml:"replication"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Collection  string `yaml:"collection"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize int    `yaml:"maxPoolSize"`
}

type StoreConfig struct {
	Driver      string      `yaml:"driver"` // memory/postgres/mongo
	PostgresDSN string      `yaml:"postgresDsn"`
	Mongo       MongoConfig `yaml:"mongo"`
	HistorySize int         `yaml:"historySize"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
}

type PolicyConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	Block  time.Duration `yaml:"block"`
}

type RateLimitConfig struct {
	Backend      string                  `yaml:"backend"` // redis/memory
	FailClosed   bool                    `yaml:"failClosed"`
	StoreTimeout time.Duration           `yaml:"storeTimeout"`
	SweepEvery   time.Duration           `yaml:"sweepEvery"` // memory 后端清理过期桶的周期
	Policies     map[string]PolicyConfig `yaml:"policies"`
}

type CryptoConfig struct {
	Iterations int `yaml:"iterations"`
}

type HubConfig struct {
	Shards       int           `yaml:"shards"`
	SendQueue    int           `yaml:"sendQueue"`
	UnauthTTL    time.Duration `yaml:"unauthTTL"`
	SweepEvery   time.Duration `yaml:"sweepEvery"`
	PingInterval time.Duration `yaml:"pingInterval"`
	PongWait     time.Duration `yaml:"pongWait"`
	WriteWait    time.Duration `yaml:"writeWait"`
	MaxFrame     int64         `yaml:"maxFrame"`
	FrameRate    float64       `yaml:"frameRate"`
	FrameBurst   int           `yaml:"frameBurst"`
	MaxPerUser   int           `yaml:"maxPerUser"`
	EvictOldest  bool          `yaml:"evictOldest"`
	ThreadPrefix string        `yaml:"threadPrefix"`
	UserPrefix   string        `yaml:"userPrefix"`
	PresenceTTL  time.Duration `yaml:"presenceTTL"`
	IdemTTL      time.Duration `yaml:"idemTTL"`
}

// Default 代码内默认值，YAML 与环境变量在此之上覆盖
func Default() *AppConfig {
	return &AppConfig{
		Node: NodeConfig{ID: "msg_gw-1", Type: NodeTypeMsgGateWay, SnowID: 1},
		HTTP: HTTPConfig{Addr: ":8080", WSPath: "/chat"},
		GRPC: GRPCConfig{Addr: ":50052"},
		Log:  logger.Config{Level: "info"},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			PoolSize:  32,
			KeyPrefix: "ppchat",
		},
		NATS: NATSConfig{
			Servers: []string{"nats://127.0.0.1:4222"},
			Name:    "ppchat",
			Subject: "chat.room",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"127.0.0.1:9092"},
			Topic:         "ppchat.messages",
			GroupID:       "ppchat-datanode",
			Compression:   "snappy",
			InitialOffset: "oldest",
			Retries:       5,
			Partitions:    8,
			Replication:   1,
		},
		Store: StoreConfig{
			Driver:      StoreMemory,
			HistorySize: 50,
			Mongo:       MongoConfig{Database: "ppchat", Collection: "messages", MaxPoolSize: 20},
		},
		JWT: JWTConfig{Alg: "HS256", TTL: 2 * time.Hour},
		RateLimit: RateLimitConfig{
			Backend:      "redis",
			StoreTimeout: 150 * time.Millisecond,
			SweepEvery:   time.Minute,
			Policies: map[string]PolicyConfig{
				"send_message":  {Limit: 10, Window: time.Minute, Block: 30 * time.Second},
				"typing:update": {Limit: 20, Window: 10 * time.Second, Block: 10 * time.Second},
				"join_room":     {Limit: 30, Window: time.Minute, Block: time.Minute},
				"message:react": {Limit: 30, Window: time.Minute, Block: 30 * time.Second},
			},
		},
		Crypto: CryptoConfig{Iterations: 210_000},
		Hub: HubConfig{
			Shards:       32,
			SendQueue:    256,
			UnauthTTL:    30 * time.Second,
			SweepEvery:   10 * time.Second,
			PingInterval: 25 * time.Second,
			PongWait:     75 * time.Second,
			WriteWait:    5 * time.Second,
			MaxFrame:     64 << 10,
			FrameRate:    20,
			FrameBurst:   40,
			MaxPerUser:   5,
			EvictOldest:  true,
			ThreadPrefix: "thread:",
			UserPrefix:   "user:",
			PresenceTTL:  90 * time.Second,
			IdemTTL:      24 * time.Hour,
		},
	}
}

// Load 读取 YAML（可为空路径）并叠加 PPCHAT_* 环境变量
func Load(path string) (*AppConfig, error) {
	return LoadFor(path, "")
}

// LoadFor 与 Load 相同，nodeType 非空时覆盖配置中的节点类型（由子命令决定）
func LoadFor(path, nodeType string) (*AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errs.ErrValidation.WrapMsg("parse config", "path", path, "err", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if nodeType != "" {
		cfg.Node.Type = nodeType
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	str("PPCHAT_NODE_ID", &c.Node.ID)
	str("PPCHAT_NODE_TYPE", &c.Node.Type)
	str("PPCHAT_HTTP_ADDR", &c.HTTP.Addr)
	str("PPCHAT_GRPC_ADDR", &c.GRPC.Addr)
	str("PPCHAT_LOG_LEVEL", &c.Log.Level)
	str("PPCHAT_REDIS_ADDR", &c.Redis.Addr)
	str("PPCHAT_REDIS_PASSWORD", &c.Redis.Password)
	str("PPCHAT_JWT_SECRET", &c.JWT.Secret)
	str("PPCHAT_STORE_DRIVER", &c.Store.Driver)
	str("PPCHAT_POSTGRES_DSN", &c.Store.PostgresDSN)
	str("PPCHAT_MONGO_URI", &c.Store.Mongo.URI)
	list("PPCHAT_NATS_SERVERS", &c.NATS.Servers)
	list("PPCHAT_KAFKA_BROKERS", &c.Kafka.Brokers)
	if v, ok := lookup("PPCHAT_RATELIMIT_FAIL_CLOSED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.FailClosed = b
		}
	}
	if v, ok := lookup("PPCHAT_SNOW_ID"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Node.SnowID = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *AppConfig) Validate() error {
	if c.Node.ID == "" {
		return errs.ErrValidation.WrapMsg("node.id is required")
	}
	if c.Node.SnowID < 0 || c.Node.SnowID > 1023 {
		return errs.ErrValidation.WrapMsg("node.snowId out of range", "snowId", c.Node.SnowID)
	}
	switch c.Node.Type {
	case NodeTypeMsgGateWay, NodeTypeDataNode:
	default:
		return errs.ErrValidation.WrapMsg("unknown node.type", "type", c.Node.Type)
	}
	if c.Crypto.Iterations < MinKDFIterations {
		return errs.ErrValidation.WrapMsg("crypto.iterations below minimum", "iterations", c.Crypto.Iterations, "min", MinKDFIterations)
	}
	for kind, p := range c.RateLimit.Policies {
		if p.Limit <= 0 || p.Window <= 0 || p.Block <= 0 {
			return errs.ErrValidation.WrapMsg("invalid rate limit policy", "kind", kind, "limit", p.Limit, "window", p.Window, "block", p.Block)
		}
	}
	switch c.RateLimit.Backend {
	case "redis", "memory":
	default:
		return errs.ErrValidation.WrapMsg("unknown rateLimit.backend", "backend", c.RateLimit.Backend)
	}
	if c.RateLimit.StoreTimeout <= 0 {
		return errs.ErrValidation.WrapMsg("rateLimit.storeTimeout must be positive")
	}
	if c.RateLimit.Backend == "memory" && c.RateLimit.SweepEvery <= 0 {
		return errs.ErrValidation.WrapMsg("rateLimit.sweepEvery must be positive for the memory backend")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errs.ErrValidation.WrapMsg("store.postgresDsn is required for postgres driver")
		}
	case StoreMongo:
		if c.Store.Mongo.URI == "" {
			return errs.ErrValidation.WrapMsg("store.mongo.uri is required for mongo driver")
		}
	default:
		return errs.ErrValidation.WrapMsg("unknown store.driver", "driver", c.Store.Driver)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errs.ErrValidation.WrapMsg("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.NATS.Enabled && len(c.NATS.Servers) == 0 {
		return errs.ErrValidation.WrapMsg("nats.servers is required when nats is enabled")
	}
	// 线程密钥和去重记录跟随 Redis；没有 Redis 时只在进程内，重启或跨节点后历史无法解密
	if c.Node.Type == NodeTypeMsgGateWay && c.RateLimit.Backend != "redis" {
		if c.Store.Driver != StoreMemory || c.NATS.Enabled || c.Kafka.Enabled {
			return errs.ErrValidation.WrapMsg("durable store, nats or kafka require rateLimit.backend redis for shared thread keys",
				"driver", c.Store.Driver, "nats", c.NATS.Enabled, "kafka", c.Kafka.Enabled)
		}
	}
	if c.Node.Type == NodeTypeMsgGateWay && len(c.JWT.Secret) < 16 {
		return errs.ErrValidation.WrapMsg("jwt.secret must be at least 16 bytes")
	}
	if c.Hub.ThreadPrefix == "" || c.Hub.UserPrefix == "" || c.Hub.ThreadPrefix == c.Hub.UserPrefix {
		return errs.ErrValidation.WrapMsg("hub room prefixes must be distinct and non-empty")
	}
	return nil
}
