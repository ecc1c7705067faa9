package storage

import (
	"context"
	"sync"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ----- 抽象存储 -----

// IdemStore 幂等占位：第一次 SeenOnce 返回 false 并占位，TTL 内再次调用返回 true
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
	Forget(ctx context.Context, key string) error
}

// ----- Redis 实现（多节点） -----

type RedisIdem struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisIdem(rdb redis.Cmdable, prefix string) *RedisIdem {
	return &RedisIdem{rdb: rdb, prefix: prefix}
}

func (r *RedisIdem) key(k string) string {
	if r.prefix == "" {
		return "idem:" + k
	}
	return r.prefix + ":idem:" + k
}

func (r *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(key), 1, ttl).Result()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("idem setnx", "key", key, "err", err)
	}
	return !ok, nil
}

func (r *RedisIdem) Forget(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("idem del", "key", key, "err", err)
	}
	return nil
}

// ----- 内存实现（单进程） -----

type MemIdem struct {
	mu    sync.Mutex
	m     map[string]time.Time // key -> expireAt
	ttl   time.Duration
	now   func() time.Time
	calls int
}

func NewMemIdem(defaultTTL time.Duration, now func() time.Time) *MemIdem {
	if now == nil {
		now = time.Now
	}
	return &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: now}
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()

	// 每 1024 次顺带清理过期项，避免常驻清理协程
	mi.calls++
	if mi.calls&1023 == 0 {
		for k, exp := range mi.m {
			if !now.Before(exp) {
				delete(mi.m, k)
			}
		}
	}

	if exp, ok := mi.m[key]; ok && now.Before(exp) {
		return true, nil // 已见过
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *MemIdem) Forget(_ context.Context, key string) error {
	mi.mu.Lock()
	delete(mi.m, key)
	mi.mu.Unlock()
	return nil
}

// ----- 按作用域隔离 -----

// ScopedIdem 给 key 加作用域前缀；多个节点共用一个存储但各自去重时使用
type ScopedIdem struct {
	inner IdemStore
	scope string
}

func NewScopedIdem(inner IdemStore, scope string) *ScopedIdem {
	return &ScopedIdem{inner: inner, scope: scope}
}

func (s *ScopedIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.inner.SeenOnce(ctx, s.scope+":"+key, ttl)
}

func (s *ScopedIdem) Forget(ctx context.Context, key string) error {
	return s.inner.Forget(ctx, s.scope+":"+key)
}
