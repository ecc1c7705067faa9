package natsx

import (
	"context"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/service/storage"
	"PPChat/tools/safe"

	"go.uber.org/zap"
)

const HeaderMsgID = "Nats-Msg-Id"

// ----- 从消息头提取 msgID -----
func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware 按 msgID 去重；处理失败时撤销标记以便重投。
// 幂等存储不可用时放行，宁可重复投递也不丢。
func NatsxIdemMiddleware(store storage.IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				// 无ID时根据 subject+内容构造一个弱ID
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, err := store.SeenOnce(ctx, "nats:"+id, ttl)
			if err != nil {
				logger.Warn("natsx idem store failed", zap.String("subject", msg.Subject), zap.Error(err))
				return next(ctx, msg)
			}
			if seen {
				return nil
			}
			if err := next(ctx, msg); err != nil {
				_ = store.Forget(ctx, "nats:"+id)
				return err
			}
			return nil
		}
	}
}

// NatsxRecoverMiddleware handler panic 转为错误，不打断订阅回调
func NatsxRecoverMiddleware() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			return safe.Call(func() error { return next(ctx, msg) })
		}
	}
}
