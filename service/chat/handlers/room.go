package handlers

import (
	"context"

	"PPChat/service/chat"
	"PPChat/service/ratelimit"
	"PPChat/tools/decode"
	"PPChat/tools/errs"
)

type roomReq struct {
	Room string `json:"room"`
}

func roomOf(f *chat.Frame) (string, error) {
	if f.Room != "" {
		return f.Room, nil
	}
	req, err := decode.Raw[roomReq](f.Data)
	if err != nil {
		return "", err
	}
	if req.Room == "" {
		return "", errs.ErrValidation.WrapMsg("room is required")
	}
	return req.Room, nil
}

type JoinHandler struct{ d Deps }

func (JoinHandler) Type() string { return chat.TypeJoinRoom }
func (JoinHandler) Public() bool { return false }

func (h JoinHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	room, err := roomOf(f)
	if err != nil {
		return nil, err
	}
	if err := h.d.Limiter.Allow(ctx, hc.ActorID(), ratelimit.KindJoinRoom); err != nil {
		return nil, err
	}
	if err := hc.Hub.Join(ctx, hc.Conn.ID, room); err != nil {
		return nil, err
	}
	return roomReq{Room: room}, nil
}

type LeaveHandler struct{}

func (LeaveHandler) Type() string { return chat.TypeLeaveRoom }
func (LeaveHandler) Public() bool { return false }

func (LeaveHandler) Handle(_ context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	room, err := roomOf(f)
	if err != nil {
		return nil, err
	}
	if err := hc.Hub.Leave(hc.Conn.ID, room); err != nil {
		return nil, err
	}
	return roomReq{Room: room}, nil
}
