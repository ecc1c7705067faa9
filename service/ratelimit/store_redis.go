package ratelimit

import (
	"context"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== Lua 脚本 =====

// 原子检查并计数（固定窗口 + 封禁）
// KEYS[1] = counter key  (<base>:c)
// KEYS[2] = block key    (<base>:b)
// ARGV[1] = limit
// ARGV[2] = windowMs
// ARGV[3] = blockMs
// 返回：{allowed(0/1), count, retryAfterMs}
const luaHit = `
local cKey    = KEYS[1]
local bKey    = KEYS[2]
local limit   = tonumber(ARGV[1])
local window  = tonumber(ARGV[2])
local blockMs = tonumber(ARGV[3])

local blocked = redis.call("PTTL", bKey)
if blocked > 0 then
  return {0, -1, blocked}
end

local count = redis.call("INCR", cKey)
local ttl   = redis.call("PTTL", cKey)
if count == 1 or ttl < 0 then
  redis.call("PEXPIRE", cKey, window)
  ttl = window
end

if count > limit then
  local retry = ttl + blockMs
  redis.call("SET", bKey, "1", "PX", retry)
  return {0, count, retry}
end
return {1, count, 0}
`

var hitScript = redis.NewScript(luaHit)

// RedisStore 多节点共享的计数存储
type RedisStore struct {
	rdb redis.Scripter
}

func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Hit(ctx context.Context, key string, p Policy) (Result, error) {
	vals, err := hitScript.Run(ctx, s.rdb,
		[]string{key + ":c", key + ":b"},
		p.Limit, p.Window.Milliseconds(), p.Block.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, errs.ErrStoreUnavailable.WrapMsg("ratelimit script", "key", key, "err", err)
	}
	if len(vals) != 3 {
		return Result{}, errs.ErrStoreUnavailable.WrapMsg("ratelimit script reply", "len", len(vals))
	}
	return Result{
		Allowed:    vals[0] == 1,
		Count:      vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
