package chat

import (
	"context"
)

// Handler 处理一种入站帧。返回值非 nil 且请求带 id 时作为 ack 的 data 回写。
type Handler interface {
	Type() string
	// Public 握手完成前是否允许调用（auth / ping）
	Public() bool
	Handle(ctx context.Context, hc *Context, f *Frame) (any, error)
}

type Context struct {
	Hub  *Hub
	Conn *Conn
}

// ActorID 已认证连接的用户
func (c *Context) ActorID() string { return c.Conn.ActorID() }
