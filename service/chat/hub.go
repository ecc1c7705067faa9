package chat

import (
	"context"
	"sync"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
	"PPChat/tools/security"

	"go.uber.org/zap"
)

// ===== 配置 =====

type HubConf struct {
	NodeID      string
	UnauthTTL   time.Duration    // 未认证连接的存活上限
	SweepEvery  time.Duration    // 清理周期
	SendQueue   int              // 每连接发送队列长度
	FrameRate   float64          // 每连接入站帧速率（<=0 不限）
	FrameBurst  int              // 入站帧突发上限
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时淘汰最老连接，否则拒绝新连接的握手
	RelayWait   time.Duration    // 跨节点转发超时
	Rooms       Rooms            // 房间命名
	Clock       func() time.Time // 可注入时钟（单测用）
}

func (c *HubConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.RelayWait <= 0 {
		c.RelayWait = time.Second
	}
	c.Rooms.norm()
}

// ===== 外部协作方 =====

// Authenticator 身份提供方边界
type Authenticator interface {
	Verify(token string) (*security.Identity, error)
}

// PresenceTracker 在线状态（跨节点共享）
type PresenceTracker interface {
	Online(ctx context.Context, actorID, connID string) error
	Touch(ctx context.Context, actorID string) error
	Offline(ctx context.Context, actorID, connID string) error
}

// Relay 把房间事件转发到其他节点
type Relay interface {
	Publish(ctx context.Context, room string, payload []byte, excludeConnID string) error
}

type Option func(*Hub)

func WithPresence(p PresenceTracker) Option { return func(h *Hub) { h.presence = p } }

func WithAuthorizer(a RoomAuthorizer) Option { return func(h *Hub) { h.authz = a } }

func WithRelay(r Relay) Option { return func(h *Hub) { h.relay = r } }

// ===== Hub =====

// Hub 连接/房间注册表与扇出引擎。
type Hub struct {
	conf     HubConf
	reg      *Registry
	auth     Authenticator
	authz    RoomAuthorizer
	presence PresenceTracker
	disp     *Dispatcher

	mu    sync.RWMutex
	relay Relay

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewHub(conf HubConf, reg *Registry, auth Authenticator, opts ...Option) *Hub {
	conf.norm()
	if reg == nil {
		reg = NewRegistry(0)
	}
	h := &Hub{
		conf:   conf,
		reg:    reg,
		auth:   auth,
		disp:   NewDispatcher(),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.authz == nil {
		h.authz = conf.Rooms
	}
	return h
}

func (h *Hub) NodeID() string { return h.conf.NodeID }
func (h *Hub) Registry() *Registry { return h.reg }
func (h *Hub) Dispatcher() *Dispatcher { return h.disp }
func (h *Hub) Rooms() Rooms { return h.conf.Rooms }
func (h *Hub) Authorizer() RoomAuthorizer { return h.authz }

// SetRelay 跨节点桥接在 Hub 之后创建
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

func (h *Hub) getRelay() Relay {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.relay
}

func (h *Hub) Conn(connID string) *Conn { return h.reg.Get(connID) }

func (h *Hub) lookup(connID string) (*Conn, error) {
	c := h.reg.Get(connID)
	if c == nil {
		return nil, errs.ErrNotFound.WrapMsg("connection not found", "conn", connID)
	}
	return c, nil
}

// ===== 生命周期 =====

// OnConnect 传输层建立后注册连接，初始状态 Connecting。
func (h *Hub) OnConnect(remote string) *Conn {
	c := newConn(ids.GenerateString(), remote, h.conf.Clock(), h.conf.SendQueue, h.conf.FrameRate, h.conf.FrameBurst)
	h.reg.addConn(c)
	connsGauge.WithLabelValues(StateConnecting.String()).Inc()
	logger.Debug("conn open", zap.String("conn", c.ID), zap.String("remote", remote))
	return c
}

// OnDisconnect 同步移出所有房间后返回；重复调用无副作用。
func (h *Hub) OnDisconnect(connID string) {
	c := h.reg.Get(connID)
	if c == nil {
		return
	}
	h.disconnect(c, "closed")
}

func (h *Hub) disconnect(c *Conn, reason string) {
	c.mu.Lock()
	closer, rooms, actor, was := c.shutdownLocked()
	if was == StateDisconnected {
		c.mu.Unlock()
		return
	}
	// 持有 c.mu 删除，保证与 Join 互斥
	for _, r := range rooms {
		removeMember(h.reg.rooms, r, c)
	}
	if actor != "" {
		removeMember(h.reg.actors, actor, c)
	}
	c.mu.Unlock()

	h.reg.removeConn(c)
	connsGauge.WithLabelValues(was.String()).Dec()
	if closer != nil {
		closer()
	}
	if actor != "" && h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := h.presence.Offline(ctx, actor, c.ID); err != nil {
			logger.Warn("presence offline failed", zap.String("actor", actor), zap.Error(err))
		}
		cancel()
	}
	logger.Debug("conn closed", zap.String("conn", c.ID), zap.String("actor", actor),
		zap.String("reason", reason), zap.Int("rooms", len(rooms)))
}

// ===== 房间 =====

func (h *Hub) Join(ctx context.Context, connID, room string) error {
	c, err := h.lookup(connID)
	if err != nil {
		return err
	}
	actor := c.ActorID()
	if c.State() != StateAuthenticated {
		return errs.ErrUnauthenticated.WrapMsg("join before handshake", "conn", connID)
	}
	if err := h.authz.CanJoin(ctx, actor, room); err != nil {
		return err
	}
	return h.join(c, room)
}

func (h *Hub) join(c *Conn, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDisconnected:
		return errs.ErrConnectionLost.WrapMsg("connection closed", "conn", c.ID)
	case StateConnecting:
		return errs.ErrUnauthenticated.WrapMsg("join before handshake", "conn", c.ID)
	}
	if _, ok := c.rooms[room]; ok {
		return nil
	}
	c.rooms[room] = struct{}{}
	addMember(h.reg.rooms, room, c)
	return nil
}

func (h *Hub) Leave(connID, room string) error {
	c, err := h.lookup(connID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return errs.ErrConnectionLost.WrapMsg("connection closed", "conn", c.ID)
	}
	if _, ok := c.rooms[room]; !ok {
		return nil
	}
	delete(c.rooms, room)
	removeMember(h.reg.rooms, room, c)
	return nil
}

// ===== 扇出 =====

// Broadcast 本节点投递后再转发到其他节点；返回本节点入队成功的连接数。
func (h *Hub) Broadcast(ctx context.Context, room string, payload []byte, excludeConnID string) int {
	n := h.DeliverLocal(room, payload, excludeConnID)
	if r := h.getRelay(); r != nil {
		rctx, cancel := context.WithTimeout(ctx, h.conf.RelayWait)
		if err := r.Publish(rctx, room, payload, excludeConnID); err != nil {
			relayErrors.Inc()
			logger.Warn("relay publish failed", zap.String("room", room), zap.Error(err))
		}
		cancel()
	}
	return n
}

// DeliverLocal 先取成员快照再逐个非阻塞入队；队列满的连接丢弃该事件，不阻塞房间。
func (h *Hub) DeliverLocal(room string, payload []byte, excludeConnID string) int {
	n := 0
	for _, c := range h.reg.Members(room) {
		if c.ID == excludeConnID {
			continue
		}
		if c.Enqueue(payload) {
			n++
			fanoutTotal.WithLabelValues("delivered").Inc()
		} else {
			fanoutTotal.WithLabelValues("dropped").Inc()
		}
	}
	return n
}

// SendTo 直接回写单条连接（ack / error）
func (h *Hub) SendTo(c *Conn, payload []byte) bool {
	if c.Enqueue(payload) {
		return true
	}
	fanoutTotal.WithLabelValues("dropped").Inc()
	return false
}

// ===== 入站帧 =====

// HandleFrame 解析并分发一帧；错误只回给该连接，不影响其他连接。
func (h *Hub) HandleFrame(ctx context.Context, c *Conn, raw []byte) {
	now := h.conf.Clock()
	c.touch(now)
	f, err := ParseFrame(raw)
	if err != nil {
		framesTotal.WithLabelValues("invalid", "error").Inc()
		h.SendTo(c, ErrorFrame("", err))
		return
	}
	label := f.Type
	if h.disp.GetHandler(label) == nil {
		label = "unknown"
	}
	out, err := h.disp.Dispatch(ctx, &Context{Hub: h, Conn: c}, f)
	if err != nil {
		framesTotal.WithLabelValues(label, errs.WireCode(errs.Code(err))).Inc()
		if errs.Code(err) >= errs.ServerInternalError {
			logger.Warn("frame failed", zap.String("conn", c.ID), zap.String("type", f.Type), zap.Error(err))
		}
		h.SendTo(c, ErrorFrame(f.ID, err))
		return
	}
	framesTotal.WithLabelValues(label, "ok").Inc()
	if f.ID == "" {
		return
	}
	b, err := AckFrame(f.ID, out)
	if err != nil {
		h.SendTo(c, ErrorFrame(f.ID, err))
		return
	}
	h.SendTo(c, b)
}
