package handlers

import (
	"context"

	"PPChat/service/chat"
	"PPChat/service/ratelimit"
	"PPChat/tools/decode"
	"PPChat/tools/errs"
)

type typingReq struct {
	ThreadID string `json:"threadId"`
	Typing   *bool  `json:"typing"`
}

type typingEvent struct {
	Room    string `json:"room"`
	ActorID string `json:"actorId"`
	Typing  bool   `json:"typing"`
}

// TypingHandler 输入状态只发给已加入的房间，不落库
type TypingHandler struct{ d Deps }

func (TypingHandler) Type() string { return chat.TypeTyping }
func (TypingHandler) Public() bool { return false }

func (h TypingHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	req, err := decode.Raw[typingReq](f.Data)
	if err != nil {
		return nil, err
	}
	room := f.Room
	if req.ThreadID != "" {
		room = hc.Hub.Rooms().Thread(req.ThreadID)
	}
	if room == "" {
		return nil, errs.ErrValidation.WrapMsg("room is required")
	}
	if !hc.Conn.InRoom(room) {
		return nil, errs.ErrForbidden.WrapMsg("join the room first", "room", room)
	}
	if err := h.d.Limiter.Allow(ctx, hc.ActorID(), ratelimit.KindTypingUpdate); err != nil {
		return nil, err
	}
	typing := true
	if req.Typing != nil {
		typing = *req.Typing
	}
	broadcast(ctx, hc, chat.TypeTyping, room, typingEvent{Room: room, ActorID: hc.ActorID(), Typing: typing})
	return nil, nil
}
