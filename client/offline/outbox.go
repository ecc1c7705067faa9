package offline

import (
	"context"

	"PPChat/tools/errs"
)

type Status int

const (
	Sent   Status = iota // 在线直接发出
	Queued               // 已持久化，等待 drain
)

// Outbox 客户端发送入口：在线直发，断线入队。
// 在线发送被限流时把错误交还调用方，不入队。
type Outbox struct {
	q      *Queue
	sender Sender
	syncer *Syncer
}

func NewOutbox(q *Queue, sender Sender, syncer *Syncer) *Outbox {
	return &Outbox{q: q, sender: sender, syncer: syncer}
}

func (o *Outbox) Submit(ctx context.Context, a Action) (Status, error) {
	if err := a.validate(); err != nil {
		return 0, err
	}
	if !o.syncer.Online() {
		return o.enqueue(a)
	}
	// 同会话还有积压时直发会越过积压条目
	backlog, err := o.q.HasPending(a.ThreadID)
	if err != nil {
		return 0, err
	}
	if backlog {
		st, err := o.enqueue(a)
		if err == nil {
			o.syncer.Wake()
		}
		return st, err
	}

	err = o.sender.Send(ctx, a)
	switch errs.Code(err) {
	case 0:
		return Sent, nil
	case errs.ConnectionLost:
		o.syncer.SetOnline(false)
		return o.enqueue(a)
	default:
		return 0, err
	}
}

func (o *Outbox) enqueue(a Action) (Status, error) {
	if _, err := o.q.Enqueue(a); err != nil {
		return 0, err
	}
	return Queued, nil
}
