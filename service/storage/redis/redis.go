package redis

import (
	"context"
	"sync"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

var (
	redisMu  sync.Mutex
	redisMgr *RedisManager
)

type RedisManager struct {
	client *redis.Client
}

// Config 用于初始化 Redis
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New 建立连接并 Ping（3s 超时）
func New(c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrStoreUnavailable.WrapMsg("redis ping", "addr", c.Addr, "err", err)
	}
	return rdb, nil
}

// InitRedis 初始化全局 Redis 管理器；重复调用返回已有连接
func InitRedis(c Config) (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()
	if redisMgr != nil {
		return redisMgr.client, nil
	}
	rdb, err := New(c)
	if err != nil {
		return nil, err
	}
	redisMgr = &RedisManager{client: rdb}
	return rdb, nil
}

// GetRedis 获取 Redis Client
func GetRedis() *redis.Client {
	redisMu.Lock()
	defer redisMu.Unlock()
	if redisMgr == nil {
		panic("Redis not initialized, call InitRedis first")
	}
	return redisMgr.client
}

// CloseRedis 关闭连接
func CloseRedis() error {
	redisMu.Lock()
	defer redisMu.Unlock()
	if redisMgr != nil && redisMgr.client != nil {
		err := redisMgr.client.Close()
		redisMgr = nil
		return err
	}
	return nil
}
