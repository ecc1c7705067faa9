package chat

import (
	"context"
	"sort"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"
	"PPChat/tools/safe"
	"PPChat/tools/security"

	"go.uber.org/zap"
)

// ===== 握手 =====

// Authenticate 校验令牌并绑定身份：Connecting -> Authenticated，同时加入 user:<actor> 房间。
// 同一身份重复握手是幂等的；换身份被拒绝。
func (h *Hub) Authenticate(ctx context.Context, connID, token string) (*security.Identity, error) {
	c, err := h.lookup(connID)
	if err != nil {
		return nil, err
	}
	if h.auth == nil {
		return nil, errs.ErrInternal.WrapMsg("no authenticator configured")
	}
	if token == "" {
		return nil, errs.ErrUnauthenticated.WrapMsg("token is required")
	}
	ident, err := h.auth.Verify(token)
	if err != nil {
		authTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	actor := ident.ActorID

	// 上限检查和绑定在同一把 actor 锁内，并发握手不会越过 MaxPerUser
	unlock := h.reg.lockActor(actor)
	victims, err := h.admitUser(c, actor)
	if err != nil {
		unlock()
		authTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	fresh, err := h.bind(c, actor)
	unlock()
	if err != nil {
		return nil, err
	}
	if !fresh {
		return ident, nil
	}

	connsGauge.WithLabelValues(StateConnecting.String()).Dec()
	connsGauge.WithLabelValues(StateAuthenticated.String()).Inc()
	authTotal.WithLabelValues("ok").Inc()

	for _, v := range victims {
		h.evict(v)
	}
	if h.presence != nil {
		if err := h.presence.Online(ctx, actor, c.ID); err != nil {
			logger.Warn("presence online failed", zap.String("actor", actor), zap.Error(err))
		}
	}
	logger.Info("conn authenticated", zap.String("conn", c.ID), zap.String("actor", actor))
	return ident, nil
}

// bind Connecting -> Authenticated 并加入 user 房间；同一身份重复握手返回 fresh=false
func (h *Hub) bind(c *Conn, actor string) (fresh bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDisconnected:
		return false, errs.ErrConnectionLost.WrapMsg("connection closed", "conn", c.ID)
	case StateAuthenticated:
		if c.actorID != actor {
			return false, errs.ErrForbidden.WrapMsg("connection bound to another actor", "conn", c.ID)
		}
		return false, nil
	}
	c.actorID = actor
	c.state = StateAuthenticated
	addMember(h.reg.actors, actor, c)
	userRoom := h.conf.Rooms.User(actor)
	c.rooms[userRoom] = struct{}{}
	addMember(h.reg.rooms, userRoom, c)
	return true, nil
}

// admitUser 检查单用户连接上限，返回需要淘汰的旧连接（最老优先）。
func (h *Hub) admitUser(c *Conn, actor string) ([]*Conn, error) {
	if h.conf.MaxPerUser <= 0 {
		return nil, nil
	}
	var others []*Conn
	for _, o := range h.reg.ByActor(actor) {
		if o != c {
			others = append(others, o)
		}
	}
	over := len(others) - h.conf.MaxPerUser + 1
	if over <= 0 {
		return nil, nil
	}
	if !h.conf.EvictOldest {
		return nil, errs.ErrForbidden.WrapMsg("too many connections", "actor", actor, "max", h.conf.MaxPerUser)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].CreatedAt.Before(others[j].CreatedAt) })
	return others[:over], nil
}

func (h *Hub) evict(c *Conn) {
	if b, err := EventFrame(TypeEvicted, "", map[string]string{"reason": "max_sessions"}); err == nil {
		h.SendTo(c, b)
	}
	evictedTotal.Inc()
	h.disconnect(c, "evicted")
}

// Heartbeat 续期连接与在线状态
func (h *Hub) Heartbeat(ctx context.Context, c *Conn) {
	c.touch(h.conf.Clock())
	if actor := c.ActorID(); actor != "" && h.presence != nil {
		if err := h.presence.Touch(ctx, actor); err != nil {
			logger.Debug("presence touch failed", zap.String("actor", actor), zap.Error(err))
		}
	}
}

// ===== 清理 =====

// Start 启动未认证连接清理
func (h *Hub) Start() {
	safe.SafeGo("hub-sweeper", h.sweeper)
}

// Stop 停止清理并断开全部连接
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	for _, c := range h.reg.Conns() {
		h.disconnect(c, "shutdown")
	}
}

func (h *Hub) sweeper() {
	t := time.NewTicker(h.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			if n := len(h.SweepUnauth(h.conf.Clock())); n > 0 {
				logger.Info("swept unauthenticated conns", zap.Int("count", n))
			}
		}
	}
}

// SweepUnauth 断开超过 UnauthTTL 仍未握手的连接，返回被断开的 id。
func (h *Hub) SweepUnauth(now time.Time) []string {
	var out []string
	for _, c := range h.reg.Conns() {
		if c.State() != StateConnecting {
			continue
		}
		if now.Sub(c.CreatedAt) < h.conf.UnauthTTL {
			continue
		}
		h.disconnect(c, "unauth_timeout")
		out = append(out, c.ID)
	}
	return out
}
