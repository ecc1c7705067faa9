package handlers

import (
	"context"

	"PPChat/service/chat"
	"PPChat/tools/decode"
)

type authReq struct {
	Token string `json:"token"`
}

type AuthAck struct {
	ActorID  string `json:"actorId"`
	ConnID   string `json:"connId"`
	NodeID   string `json:"nodeId"`
	ExpireAt int64  `json:"expireAt"`
}

// AuthHandler 握手：唯一允许在未认证状态下执行的业务动作
type AuthHandler struct{}

func (AuthHandler) Type() string { return chat.TypeAuth }
func (AuthHandler) Public() bool { return true }

func (AuthHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	req, err := decode.Raw[authReq](f.Data)
	if err != nil {
		return nil, err
	}
	ident, err := hc.Hub.Authenticate(ctx, hc.Conn.ID, req.Token)
	if err != nil {
		return nil, err
	}
	return AuthAck{
		ActorID:  ident.ActorID,
		ConnID:   hc.Conn.ID,
		NodeID:   hc.Hub.NodeID(),
		ExpireAt: ident.ExpireAt.UnixMilli(),
	}, nil
}

// PingHandler 应用层心跳，续期在线状态
type PingHandler struct{}

func (PingHandler) Type() string { return chat.TypePing }
func (PingHandler) Public() bool { return true }

func (PingHandler) Handle(ctx context.Context, hc *chat.Context, _ *chat.Frame) (any, error) {
	hc.Hub.Heartbeat(ctx, hc.Conn)
	return map[string]any{"type": chat.TypePong, "ts": hc.Conn.LastSeen().UnixMilli()}, nil
}
