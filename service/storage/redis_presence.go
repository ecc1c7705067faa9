package storage

import (
	"context"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Presence 在线状态：presence:<actor> 是一个 hash，field=连接ID，value=网关节点ID。
// 整个 hash 随心跳续期，网关宕机后自然过期。
type Presence struct {
	rdb    redis.Cmdable
	prefix string
	nodeID string
	ttl    time.Duration
}

func NewPresence(rdb redis.Cmdable, prefix, nodeID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Presence{rdb: rdb, prefix: prefix, nodeID: nodeID, ttl: ttl}
}

func (p *Presence) key(actorID string) string {
	if p.prefix == "" {
		return "presence:" + actorID
	}
	return p.prefix + ":presence:" + actorID
}

// Online 登记连接并续期
func (p *Presence) Online(ctx context.Context, actorID, connID string) error {
	k := p.key(actorID)
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, k, connID, p.nodeID)
	pipe.Expire(ctx, k, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("presence online", "actor", actorID, "err", err)
	}
	return nil
}

// Touch 心跳续期
func (p *Presence) Touch(ctx context.Context, actorID string) error {
	if err := p.rdb.Expire(ctx, p.key(actorID), p.ttl).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("presence touch", "actor", actorID, "err", err)
	}
	return nil
}

// Offline 移除单条连接
func (p *Presence) Offline(ctx context.Context, actorID, connID string) error {
	if err := p.rdb.HDel(ctx, p.key(actorID), connID).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("presence offline", "actor", actorID, "err", err)
	}
	return nil
}

// Lookup 返回 连接ID -> 节点ID；空 map 表示不在线
func (p *Presence) Lookup(ctx context.Context, actorID string) (map[string]string, error) {
	m, err := p.rdb.HGetAll(ctx, p.key(actorID)).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("presence lookup", "actor", actorID, "err", err)
	}
	return m, nil
}
