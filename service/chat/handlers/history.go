package handlers

import (
	"context"

	"PPChat/module/message"
	"PPChat/service/chat"
	"PPChat/tools/decode"
	"PPChat/tools/errs"
)

type historyReq struct {
	ThreadID string `json:"threadId"`
	Limit    int    `json:"limit"`
}

type HistoryAck struct {
	ThreadID string           `json:"threadId"`
	Messages []*message.Plain `json:"messages"`
}

// HistoryHandler 拉取最近消息；校验失败的条目标记为 unavailable 而不是整体失败
type HistoryHandler struct{ d Deps }

func (HistoryHandler) Type() string { return chat.TypeHistory }
func (HistoryHandler) Public() bool { return false }

func (h HistoryHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	req, err := decode.Raw[historyReq](f.Data)
	if err != nil {
		return nil, err
	}
	room, threadID, ok := threadRoom(hc, f.Room, req.ThreadID)
	if !ok {
		return nil, errs.ErrValidation.WrapMsg("threadId is required")
	}
	if err := hc.Hub.Authorizer().CanJoin(ctx, hc.ActorID(), room); err != nil {
		return nil, err
	}
	msgs, err := h.d.Messages.History(ctx, threadID, req.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*message.Plain{}
	}
	return HistoryAck{ThreadID: threadID, Messages: msgs}, nil
}
