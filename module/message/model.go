package message

import (
	"context"
	"time"

	"PPChat/tools/security"
)

// Record 落库的消息：正文只以密文形式出现
type Record struct {
	ID          string                    `json:"id" bson:"_id"`
	ThreadID    string                    `json:"threadId" bson:"thread_id"`
	SenderID    string                    `json:"senderId" bson:"sender_id"`
	ClientMsgID string                    `json:"clientMsgId" bson:"client_msg_id"`
	Payload     security.EncryptedPayload `json:"payload" bson:"payload"`
	CreatedAt   time.Time                 `json:"createdAt" bson:"created_at"`
}

// Plain 解密后交给 UI 层的消息；Unavailable 表示密文校验失败，Body 为空
type Plain struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	SenderID    string    `json:"senderId"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	Body        string    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

// Store 外部持久层边界。Save 按 ID 幂等；Recent 按时间正序返回最近 limit 条。
type Store interface {
	Save(ctx context.Context, r *Record) error
	Recent(ctx context.Context, threadID string, limit int) ([]*Record, error)
}

// Sink 网关侧的持久化出口：直接写库或交给 Kafka
type Sink interface {
	Persist(ctx context.Context, r *Record) error
}

// StoreSink 直接写库
type StoreSink struct{ Store Store }

func (s StoreSink) Persist(ctx context.Context, r *Record) error {
	return s.Store.Save(ctx, r)
}
