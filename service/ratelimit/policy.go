package ratelimit

import (
	"time"

	"PPChat/tools/errs"
)

// Kind 受限的实时动作类型，与线上事件名一致
type Kind string

const (
	KindSendMessage  Kind = "send_message"
	KindTypingUpdate Kind = "typing:update"
	KindJoinRoom     Kind = "join_room"
	KindReact        Kind = "message:react"
)

// Policy 每种动作的固定窗口配额；超出后封禁 Block，封禁结束时间晚于窗口结束
type Policy struct {
	Limit  int
	Window time.Duration
	Block  time.Duration
}

func (p Policy) valid() bool {
	return p.Limit > 0 && p.Window > 0 && p.Block > 0
}

func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindSendMessage:  {Limit: 10, Window: time.Minute, Block: 30 * time.Second},
		KindTypingUpdate: {Limit: 20, Window: 10 * time.Second, Block: 10 * time.Second},
		KindJoinRoom:     {Limit: 30, Window: time.Minute, Block: time.Minute},
		KindReact:        {Limit: 30, Window: time.Minute, Block: 30 * time.Second},
	}
}

// Decision check 的结果
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Count      int64
	// 存储不可用时的降级结果
	FailedOpen   bool
	FailedClosed bool
}

// Err 被拒绝时转换为带重试提示的错误；放行返回 nil
func (d Decision) Err(kind Kind) error {
	if d.Allowed {
		return nil
	}
	if d.FailedClosed {
		return errs.ErrStoreUnavailable.WithRetryAfter(d.RetryAfter, "rate limit store unavailable", "kind", kind)
	}
	return errs.ErrAdmissionDenied.WithRetryAfter(d.RetryAfter, "rate limited", "kind", kind)
}
