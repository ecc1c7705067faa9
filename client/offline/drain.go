package offline

import (
	"context"
	"iter"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// Sender 实际发出一个动作；通常是在线的 websocket 客户端
type Sender interface {
	Send(ctx context.Context, a Action) error
}

type Outcome int

const (
	Delivered    Outcome = iota // 已送达并出队
	Deferred                    // 被限流或暂时失败，保留在队列中
	Disconnected                // 连接断开，本轮结束
	Rejected                    // 永久失败，已进入死信
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Disconnected:
		return "disconnected"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DrainResult 单个条目的处理结果
type DrainResult struct {
	Entry      Entry
	Outcome    Outcome
	RetryAfter time.Duration
	Err        error
}

const defaultRetryAfter = time.Second

// Drain 按入队顺序惰性地发送待发条目，每拉取一个结果才发送下一个。
// 同一会话内严格 FIFO：某条被推迟后，本轮跳过该会话剩余条目，其他会话继续。
// 连接断开时本轮结束。已有 drain 在进行时返回空序列。
// 每轮只处理开始时的快照，下一轮从第一条未确认的条目重新开始。
func (q *Queue) Drain(ctx context.Context, s Sender) iter.Seq[DrainResult] {
	return func(yield func(DrainResult) bool) {
		if !q.drainMu.TryLock() {
			return
		}
		defer q.drainMu.Unlock()

		pending, err := q.Pending()
		if err != nil {
			logger.Warn("offline drain: list pending failed", zap.Error(err))
			return
		}
		blocked := make(map[string]struct{})
		for _, e := range pending {
			if ctx.Err() != nil {
				return
			}
			if _, ok := blocked[e.Action.ThreadID]; ok {
				continue
			}
			r := q.sendOne(ctx, s, e)
			if r.Outcome == Deferred {
				blocked[e.Action.ThreadID] = struct{}{}
			}
			if !yield(r) || r.Outcome == Disconnected {
				return
			}
		}
	}
}

func (q *Queue) sendOne(ctx context.Context, s Sender, e Entry) DrainResult {
	err := s.Send(ctx, e.Action)
	if err == nil {
		if aerr := q.Ack(e.ID); aerr != nil {
			// 已发出但未能出队，下轮会重发，由服务端 clientMsgId 去重
			logger.Warn("offline drain: ack failed", zap.Uint64("id", e.ID), zap.Error(aerr))
		}
		return DrainResult{Entry: e, Outcome: Delivered}
	}

	switch errs.Code(err) {
	case errs.ConnectionLost, errs.Unauthenticated:
		return DrainResult{Entry: e, Outcome: Disconnected, Err: err}
	case errs.ValidationError, errs.Forbidden, errs.NotFound:
		if derr := q.deadLetter(e.ID, err); derr != nil {
			logger.Warn("offline drain: dead letter failed", zap.Uint64("id", e.ID), zap.Error(derr))
		}
		return DrainResult{Entry: e, Outcome: Rejected, Err: err}
	case errs.AdmissionDenied:
		// 限流不计入失败次数
		wait, ok := errs.RetryAfterOf(err)
		if !ok {
			wait = defaultRetryAfter
		}
		return DrainResult{Entry: e, Outcome: Deferred, RetryAfter: wait, Err: err}
	}

	if ctx.Err() != nil {
		return DrainResult{Entry: e, Outcome: Disconnected, Err: err}
	}
	updated, merr := q.markAttempt(e.ID, err)
	if merr != nil {
		logger.Warn("offline drain: mark attempt failed", zap.Uint64("id", e.ID), zap.Error(merr))
	} else if updated != nil {
		e = *updated
	}
	if e.Attempts >= q.maxAttempts {
		if derr := q.deadLetter(e.ID, err); derr != nil {
			logger.Warn("offline drain: dead letter failed", zap.Uint64("id", e.ID), zap.Error(derr))
		}
		return DrainResult{Entry: e, Outcome: Rejected, Err: err}
	}
	wait, ok := errs.RetryAfterOf(err)
	if !ok {
		wait = backoffFor(e.Attempts)
	}
	return DrainResult{Entry: e, Outcome: Deferred, RetryAfter: wait, Err: err}
}

// backoffFor 1s, 2s, 4s ... 封顶 1 分钟
func backoffFor(attempts int) time.Duration {
	d := defaultRetryAfter
	for i := 1; i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
