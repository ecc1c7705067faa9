package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PPChat/logger"

	"go.uber.org/zap"
)

type SyncerConf struct {
	Interval time.Duration       // 后台定时唤醒
	OnResult func(r DrainResult) // 可选，观察每个条目的结果
}

// Syncer 在离线转在线、后台定时器、限流到期时触发 drain
type Syncer struct {
	q      *Queue
	sender Sender
	conf   SyncerConf

	online atomic.Bool
	wake   chan struct{}

	mu    sync.Mutex
	retry *time.Timer
}

func NewSyncer(q *Queue, sender Sender, conf SyncerConf) *Syncer {
	if conf.Interval <= 0 {
		conf.Interval = 30 * time.Second
	}
	return &Syncer{q: q, sender: sender, conf: conf, wake: make(chan struct{}, 1)}
}

func (s *Syncer) Online() bool { return s.online.Load() }

// SetOnline 连通性变化；只有离线到在线的跳变触发一次 drain
func (s *Syncer) SetOnline(online bool) {
	if was := s.online.Swap(online); !was && online {
		s.Wake()
	}
}

// Wake 请求尽快 drain，合并重复请求
func (s *Syncer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run 阻塞直到 ctx 结束
func (s *Syncer) Run(ctx context.Context) {
	t := time.NewTicker(s.conf.Interval)
	defer t.Stop()
	defer s.stopRetry()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-t.C:
		}
		if s.Online() {
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce 执行一轮 drain；有被推迟的条目时按最短的 retryAfter 安排下一轮
func (s *Syncer) SyncOnce(ctx context.Context) (delivered int, next time.Duration) {
	for r := range s.q.Drain(ctx, s.sender) {
		if s.conf.OnResult != nil {
			s.conf.OnResult(r)
		}
		switch r.Outcome {
		case Delivered:
			delivered++
		case Deferred:
			if next == 0 || r.RetryAfter < next {
				next = r.RetryAfter
			}
		case Disconnected:
			s.online.Store(false)
			logger.Info("offline sync paused: connection lost", zap.Uint64("id", r.Entry.ID))
		case Rejected:
			logger.Warn("offline entry dead-lettered",
				zap.Uint64("id", r.Entry.ID), zap.String("kind", r.Entry.Action.Kind), zap.Error(r.Err))
		}
	}
	if next > 0 {
		s.scheduleRetry(next)
	}
	return delivered, next
}

func (s *Syncer) scheduleRetry(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(d, s.Wake)
}

func (s *Syncer) stopRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}
