package offline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

// 可离线排队的动作类型，与服务端帧类型一致
const (
	KindSendMessage = "send_message"
	KindReact       = "message:react"
	KindDelivered   = "message:delivered"
)

// Action 一次待发送的客户端操作
type Action struct {
	Kind     string          `json:"kind"`
	ThreadID string          `json:"threadId"`
	Data     json.RawMessage `json:"data"`
}

// Key 同类型同内容的动作得到同一个去重键；重试同一动作不会重复入队。
func (a Action) Key() string {
	h := sha256.New()
	h.Write([]byte(a.Kind))
	h.Write([]byte{0})
	h.Write([]byte(a.ThreadID))
	h.Write([]byte{0})
	h.Write(a.Data)
	return a.Kind + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

func (a Action) validate() error {
	if a.Kind == "" {
		return errs.ErrValidation.WrapMsg("action kind is required")
	}
	if a.ThreadID == "" {
		return errs.ErrValidation.WrapMsg("action threadId is required", "kind", a.Kind)
	}
	if len(a.Data) == 0 || !json.Valid(a.Data) {
		return errs.ErrValidation.WrapMsg("action data must be json", "kind", a.Kind)
	}
	return nil
}

type sendMessageData struct {
	ThreadID    string `json:"threadId"`
	ClientMsgID string `json:"clientMsgId"`
	Body        string `json:"body"`
}

// NewSendMessage 生成一条带新 clientMsgId 的发消息动作
func NewSendMessage(threadID, body string) (Action, string, error) {
	cid := ids.NewUUID()
	raw, err := json.Marshal(sendMessageData{ThreadID: threadID, ClientMsgID: cid, Body: body})
	if err != nil {
		return Action{}, "", errs.Wrap(err)
	}
	return Action{Kind: KindSendMessage, ThreadID: threadID, Data: raw}, cid, nil
}

type receiptData struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

// NewReact 表情回应
func NewReact(threadID, messageID, emoji string) (Action, error) {
	raw, err := json.Marshal(receiptData{ThreadID: threadID, MessageID: messageID, Emoji: emoji})
	if err != nil {
		return Action{}, errs.Wrap(err)
	}
	return Action{Kind: KindReact, ThreadID: threadID, Data: raw}, nil
}

// NewDelivered 送达回执
func NewDelivered(threadID, messageID string) (Action, error) {
	raw, err := json.Marshal(receiptData{ThreadID: threadID, MessageID: messageID})
	if err != nil {
		return Action{}, errs.Wrap(err)
	}
	return Action{Kind: KindDelivered, ThreadID: threadID, Data: raw}, nil
}

// Entry 队列中的持久化条目
type Entry struct {
	ID         uint64    `json:"id"`
	Action     Action    `json:"action"`
	DedupeKey  string    `json:"dedupeKey"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
}
