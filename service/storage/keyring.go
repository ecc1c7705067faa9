package storage

import (
	"context"
	"errors"
	"sync"

	"PPChat/tools/errs"
	"PPChat/tools/security"

	"github.com/redis/go-redis/v9"
)

// KeyRing 会话密钥的保管方：每个会话一把，首次使用时生成
type KeyRing interface {
	ThreadKey(ctx context.Context, threadID string) ([]byte, error)
}

// RedisKeyRing 多节点共享：SETNX 保证并发首次生成时只有一把生效
type RedisKeyRing struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisKeyRing(rdb redis.Cmdable, prefix string) *RedisKeyRing {
	return &RedisKeyRing{rdb: rdb, prefix: prefix}
}

func (k *RedisKeyRing) key(threadID string) string {
	if k.prefix == "" {
		return "tkey:" + threadID
	}
	return k.prefix + ":tkey:" + threadID
}

func (k *RedisKeyRing) ThreadKey(ctx context.Context, threadID string) ([]byte, error) {
	if threadID == "" {
		return nil, errs.ErrValidation.WrapMsg("thread id is empty")
	}
	rk := k.key(threadID)
	b, err := k.rdb.Get(ctx, rk).Bytes()
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, errs.ErrStoreUnavailable.WrapMsg("keyring get", "thread", threadID, "err", err)
	}

	fresh, err := security.GenerateThreadKey()
	if err != nil {
		return nil, err
	}
	if err := k.rdb.SetNX(ctx, rk, fresh, 0).Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("keyring setnx", "thread", threadID, "err", err)
	}
	// 并发下可能别人先写入，以库里的为准
	b, err = k.rdb.Get(ctx, rk).Bytes()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("keyring reread", "thread", threadID, "err", err)
	}
	return b, nil
}

// MemKeyRing 单进程实现
type MemKeyRing struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemKeyRing() *MemKeyRing {
	return &MemKeyRing{keys: make(map[string][]byte)}
}

func (k *MemKeyRing) ThreadKey(_ context.Context, threadID string) ([]byte, error) {
	if threadID == "" {
		return nil, errs.ErrValidation.WrapMsg("thread id is empty")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.keys[threadID]; ok {
		return b, nil
	}
	b, err := security.GenerateThreadKey()
	if err != nil {
		return nil, err
	}
	k.keys[threadID] = b
	return b, nil
}

// Put 测试或迁移时注入已有密钥
func (k *MemKeyRing) Put(threadID string, key []byte) {
	k.mu.Lock()
	k.keys[threadID] = key
	k.mu.Unlock()
}
