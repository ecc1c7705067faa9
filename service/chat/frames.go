package chat

import (
	"encoding/json"
	"time"

	"PPChat/tools/errs"
)

// 客户端 -> 服务端
const (
	TypeAuth        = "auth"
	TypePing        = "ping"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeDelivered   = "message:delivered"
	TypeReact       = "message:react"
	TypeTyping      = "typing:update"
	TypeHistory     = "history"
)

// 服务端 -> 客户端
const (
	TypeAck        = "ack"
	TypeError      = "error"
	TypePong       = "pong"
	TypeMessageNew = "message:new"
	TypeEvicted    = "session:evicted"
)

// Frame 线上帧：{type,id,room,data}；服务端回执用 ref 指向请求 id。
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Ref  string          `json:"ref,omitempty"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorBody error 帧的 data
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrValidation.WrapMsg("malformed frame", "err", err)
	}
	if f.Type == "" {
		return nil, errs.ErrValidation.WrapMsg("frame type is required")
	}
	return f, nil
}

func encode(f *Frame, data any) ([]byte, error) {
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		f.Data = b
	}
	return json.Marshal(f)
}

// EventFrame 服务端推送的房间事件
func EventFrame(typ, room string, data any) ([]byte, error) {
	return encode(&Frame{Type: typ, Room: room}, data)
}

func AckFrame(ref string, data any) ([]byte, error) {
	return encode(&Frame{Type: TypeAck, Ref: ref}, data)
}

// ErrorFrame 把错误映射为线上错误码；非 CodeError 一律 internal_error，不泄漏细节。
func ErrorFrame(ref string, err error) []byte {
	body := ErrorBody{Code: errs.WireCode(errs.ServerInternalError), Message: "internal error"}
	if ce, ok := errs.AsCode(err); ok {
		body.Code = errs.WireCode(ce.Code)
		body.Message = ce.Msg
		// 5xx 的 detail 可能含存储地址等内部信息
		if ce.Code < errs.ServerInternalError && ce.Detail != "" {
			body.Message = ce.Detail
		}
		if ce.RetryAfter > 0 {
			body.RetryAfterMs = ce.RetryAfter.Milliseconds()
		}
	}
	b, _ := encode(&Frame{Type: TypeError, Ref: ref}, body)
	return b
}

// AsError 客户端侧把 error 帧还原为 CodeError
func (b ErrorBody) AsError() error {
	ce := errs.FromWireCode(b.Code)
	if b.RetryAfterMs > 0 {
		return ce.WithRetryAfter(time.Duration(b.RetryAfterMs)*time.Millisecond, b.Message)
	}
	return ce.WrapMsg(b.Message)
}
