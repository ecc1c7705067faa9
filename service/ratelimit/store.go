package ratelimit

import (
	"context"
	"time"
)

// Result 一次原子“检查并计数”的结果
type Result struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Store 共享计数存储。Hit 必须是对单个桶的原子读改写，
// 不允许拆成先读后写两次调用。
type Store interface {
	Hit(ctx context.Context, key string, p Policy) (Result, error)
}

// Key 桶标识；花括号是 Redis Cluster 的 hash tag，保证计数键与封禁键同槽
func Key(prefix, actorID string, kind Kind) string {
	if prefix == "" {
		prefix = "rl"
	}
	return prefix + ":{" + actorID + "|" + string(kind) + "}"
}
