package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"PPChat/service/natsx"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

// Bus 跨节点消息总线（natsx.NatsxClient 满足）
type Bus interface {
	PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error
	Subscribe(subject, queue string, h natsx.NatsxHandler, mws ...natsx.NatsxMiddleware) error
}

// HeaderOrigin 发布节点，订阅端据此先跳过自己发出的事件
const HeaderOrigin = "X-Relay-Origin"

type relayEnvelope struct {
	Origin  string `json:"origin"`
	Room    string `json:"room"`
	Exclude string `json:"exclude,omitempty"`
	Payload []byte `json:"payload"`
}

// Bridge 把本节点的房间事件广播给其他网关节点，并把收到的事件投递给本地成员。
// 每个节点都订阅全部房间主题，本地没有成员的事件直接丢弃。
type Bridge struct {
	hub    *Hub
	bus    Bus
	prefix string
	idem   storage.IdemStore
	ttl    time.Duration
}

func NewBridge(hub *Hub, bus Bus, prefix string, idem storage.IdemStore, ttl time.Duration) *Bridge {
	if prefix == "" {
		prefix = "chat.room"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Bridge{hub: hub, bus: bus, prefix: prefix, idem: idem, ttl: ttl}
}

// subjectToken 房间名里的 . * > 和空白不能出现在 NATS 主题中
func subjectToken(room string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, room)
}

func (b *Bridge) Subject(room string) string { return b.prefix + "." + subjectToken(room) }

// Start 订阅并挂到 Hub 上。
// 去重按节点隔离：同一事件每个节点都要投递一次，共用存储时不能互相占位。
func (b *Bridge) Start() error {
	mws := []natsx.NatsxMiddleware{natsx.NatsxRecoverMiddleware(), b.skipOwn()}
	if b.idem != nil {
		scoped := storage.NewScopedIdem(b.idem, "bridge:"+b.hub.NodeID())
		mws = append(mws, natsx.NatsxIdemMiddleware(scoped, b.ttl))
	}
	if err := b.bus.Subscribe(b.prefix+".>", "", b.onMessage, mws...); err != nil {
		return err
	}
	b.hub.SetRelay(b)
	return nil
}

func (b *Bridge) Publish(ctx context.Context, room string, payload []byte, excludeConnID string) error {
	data, err := json.Marshal(relayEnvelope{
		Origin:  b.hub.NodeID(),
		Room:    room,
		Exclude: excludeConnID,
		Payload: payload,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	hdr := map[string]string{HeaderOrigin: b.hub.NodeID()}
	return b.bus.PublishOnce(ctx, b.Subject(room), data, hdr, ids.NewUUID())
}

// skipOwn 在去重之前丢弃本节点发布的事件
func (b *Bridge) skipOwn() natsx.NatsxMiddleware {
	return func(next natsx.NatsxHandler) natsx.NatsxHandler {
		return func(ctx context.Context, msg natsx.NatsxMessage) error {
			if msg.Header[HeaderOrigin] == b.hub.NodeID() {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

func (b *Bridge) onMessage(_ context.Context, msg natsx.NatsxMessage) error {
	var env relayEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return errs.ErrValidation.WrapMsg("bad relay envelope", "subject", msg.Subject, "err", err)
	}
	if env.Origin == b.hub.NodeID() {
		return nil
	}
	b.hub.DeliverLocal(env.Room, env.Payload, env.Exclude)
	return nil
}
