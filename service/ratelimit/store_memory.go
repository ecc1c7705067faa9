package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

type bucket struct {
	count        int64
	windowEnd    time.Time
	blockedUntil time.Time
}

type memShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryStore 单进程计数存储：按 key 分片加锁，单测和无 Redis 部署使用
type MemoryStore struct {
	shards []*memShard
	now    func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*memShard, n)
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{shards: make([]*memShard, 32), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	for i := range s.shards {
		s.shards[i] = &memShard{buckets: make(map[string]*bucket)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) Hit(_ context.Context, key string, p Policy) (Result, error) {
	now := s.now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := sh.buckets[key]
	if b == nil {
		b = &bucket{}
		sh.buckets[key] = b
	}
	if now.Before(b.blockedUntil) {
		return Result{Count: b.count, RetryAfter: b.blockedUntil.Sub(now)}, nil
	}
	if !now.Before(b.windowEnd) {
		b.count = 0
		b.windowEnd = now.Add(p.Window)
	}
	b.count++
	if b.count > int64(p.Limit) {
		b.blockedUntil = b.windowEnd.Add(p.Block)
		return Result{Count: b.count, RetryAfter: b.blockedUntil.Sub(now)}, nil
	}
	return Result{Allowed: true, Count: b.count}, nil
}

// Sweep 清掉窗口与封禁都已过期的桶，返回清理数量
func (s *MemoryStore) Sweep() int {
	now := s.now()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if !now.Before(b.windowEnd) && !now.Before(b.blockedUntil) {
				delete(sh.buckets, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Len 当前桶数
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Run 周期清理，直到 ctx 结束
func (s *MemoryStore) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
