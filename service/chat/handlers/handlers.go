package handlers

import (
	"context"
	"time"

	"PPChat/logger"
	"PPChat/module/message"
	"PPChat/service/chat"
	"PPChat/service/ratelimit"
	"PPChat/service/storage"
	"PPChat/tools/safe"

	"go.uber.org/zap"
)

// Deps handler 依赖的服务
type Deps struct {
	Limiter  *ratelimit.Limiter
	Messages *message.Service
	Idem     storage.IdemStore // send_message 按 (actor, clientMsgId) 去重，可为空
	IdemTTL  time.Duration
}

// Register 注册全部入站帧处理器
func Register(h *chat.Hub, d Deps) {
	safe.MustNotNil(d.Limiter, "limiter")
	safe.MustNotNil(d.Messages, "messages")
	if d.IdemTTL <= 0 {
		d.IdemTTL = 24 * time.Hour
	}
	h.Dispatcher().Register(
		AuthHandler{},
		PingHandler{},
		JoinHandler{d: d},
		LeaveHandler{},
		&SendMessageHandler{d: d},
		DeliveredHandler{},
		ReactHandler{d: d},
		TypingHandler{d: d},
		HistoryHandler{d: d},
	)
}

// threadRoom 优先取帧上的 room，其次 data 里的 threadId
func threadRoom(hc *chat.Context, room, threadID string) (string, string, bool) {
	rooms := hc.Hub.Rooms()
	if threadID != "" {
		return rooms.Thread(threadID), threadID, true
	}
	if id, ok := rooms.ThreadID(room); ok {
		return room, id, true
	}
	return "", "", false
}

func broadcast(ctx context.Context, hc *chat.Context, typ, room string, data any) {
	b, err := chat.EventFrame(typ, room, data)
	if err != nil {
		logger.Warn("encode event failed", zap.String("type", typ), zap.Error(err))
		return
	}
	hc.Hub.Broadcast(ctx, room, b, hc.Conn.ID)
}
