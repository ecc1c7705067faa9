package handlers

import (
	"context"
	"strings"
	"unicode/utf8"

	"PPChat/logger"
	"PPChat/module/message"
	"PPChat/service/chat"
	"PPChat/service/ratelimit"
	"PPChat/tools/decode"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

const maxEmojiRunes = 16

type sendReq struct {
	ThreadID    string `json:"threadId"`
	ClientMsgID string `json:"clientMsgId"`
	Body        string `json:"body"`
}

type SendAck struct {
	MessageID   string `json:"messageId,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	ThreadID    string `json:"threadId"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// SendMessageHandler 校验 -> 会话准入 -> 去重 -> 限流 -> 加密落库 -> 房间广播（不回显发送者）-> ack
type SendMessageHandler struct{ d Deps }

func (*SendMessageHandler) Type() string { return chat.TypeSendMessage }
func (*SendMessageHandler) Public() bool { return false }

func (h *SendMessageHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	req, err := decode.Raw[sendReq](f.Data)
	if err != nil {
		return nil, err
	}
	room, threadID, ok := threadRoom(hc, f.Room, req.ThreadID)
	if !ok {
		return nil, errs.ErrValidation.WrapMsg("threadId is required")
	}
	if req.Body == "" {
		return nil, errs.ErrValidation.WrapMsg("empty message body")
	}
	if len(req.Body) > message.MaxBodyBytes {
		return nil, errs.ErrValidation.WrapMsg("message body too large", "max", message.MaxBodyBytes)
	}
	actor := hc.ActorID()
	if err := hc.Hub.Authorizer().CanJoin(ctx, actor, room); err != nil {
		return nil, err
	}
	// 先去重：已确认过的重放直接回 ack，不占限流额度
	idemKey := ""
	if h.d.Idem != nil && req.ClientMsgID != "" {
		idemKey = "msg:" + actor + ":" + req.ClientMsgID
		seen, err := h.d.Idem.SeenOnce(ctx, idemKey, h.d.IdemTTL)
		switch {
		case err != nil:
			// 去重存储不可用时照常发送，重放可能产生重复
			logger.Warn("idem store failed", zap.String("actor", actor), zap.Error(err))
			idemKey = ""
		case seen:
			return SendAck{ClientMsgID: req.ClientMsgID, ThreadID: threadID, Duplicate: true}, nil
		}
	}
	if err := h.d.Limiter.Allow(ctx, actor, ratelimit.KindSendMessage); err != nil {
		// 被拒的消息稍后会原样重发，不能留下去重占位
		if idemKey != "" {
			_ = h.d.Idem.Forget(ctx, idemKey)
		}
		return nil, err
	}

	rec, err := h.d.Messages.Seal(ctx, threadID, actor, req.ClientMsgID, req.Body)
	if err == nil {
		err = h.d.Messages.Persist(ctx, rec)
	}
	if err != nil {
		if idemKey != "" {
			_ = h.d.Idem.Forget(ctx, idemKey)
		}
		return nil, err
	}

	broadcast(ctx, hc, chat.TypeMessageNew, room, message.Plain{
		ID:          rec.ID,
		ThreadID:    threadID,
		SenderID:    actor,
		ClientMsgID: req.ClientMsgID,
		Body:        req.Body,
		CreatedAt:   rec.CreatedAt,
	})
	return SendAck{
		MessageID:   rec.ID,
		ClientMsgID: req.ClientMsgID,
		ThreadID:    threadID,
		CreatedAt:   rec.CreatedAt.UnixMilli(),
	}, nil
}

type receiptReq struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type receiptEvent struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	ActorID   string `json:"actorId"`
	Emoji     string `json:"emoji,omitempty"`
}

func decodeReceipt(ctx context.Context, hc *chat.Context, f *chat.Frame) (*receiptReq, string, error) {
	req, err := decode.Raw[receiptReq](f.Data)
	if err != nil {
		return nil, "", err
	}
	room, threadID, ok := threadRoom(hc, f.Room, req.ThreadID)
	if !ok || req.MessageID == "" {
		return nil, "", errs.ErrValidation.WrapMsg("threadId and messageId are required")
	}
	req.ThreadID = threadID
	if err := hc.Hub.Authorizer().CanJoin(ctx, hc.ActorID(), room); err != nil {
		return nil, "", err
	}
	return req, room, nil
}

// DeliveredHandler 送达回执，转发给房间其他成员
type DeliveredHandler struct{}

func (DeliveredHandler) Type() string { return chat.TypeDelivered }
func (DeliveredHandler) Public() bool { return false }

func (DeliveredHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	req, room, err := decodeReceipt(ctx, hc, f)
	if err != nil {
		return nil, err
	}
	broadcast(ctx, hc, chat.TypeDelivered, room, receiptEvent{
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
		ActorID:   hc.ActorID(),
	})
	return nil, nil
}

type ReactHandler struct{ d Deps }

func (ReactHandler) Type() string { return chat.TypeReact }
func (ReactHandler) Public() bool { return false }

func (h ReactHandler) Handle(ctx context.Context, hc *chat.Context, f *chat.Frame) (any, error) {
	req, room, err := decodeReceipt(ctx, hc, f)
	if err != nil {
		return nil, err
	}
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return nil, errs.ErrValidation.WrapMsg("invalid emoji")
	}
	if err := h.d.Limiter.Allow(ctx, hc.ActorID(), ratelimit.KindReact); err != nil {
		return nil, err
	}
	broadcast(ctx, hc, chat.TypeReact, room, receiptEvent{
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
		ActorID:   hc.ActorID(),
		Emoji:     emoji,
	})
	return map[string]string{"messageId": req.MessageID}, nil
}
