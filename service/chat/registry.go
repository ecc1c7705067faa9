package chat

import (
	"hash/fnv"
	"sync"
)

// Registry 进程内连接/房间/用户索引，按 key 分片加锁。
// 删除只在存储的实例与传入实例相同时生效，旧连接的清理不会误删新连接。
type Registry struct {
	conns  []*shard[*Conn]
	rooms  []*shard[map[string]*Conn] // room -> connID -> conn
	actors []*shard[map[string]*Conn] // actor -> connID -> conn
	admit  []*shard[struct{}]         // 同一 actor 的握手串行化
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShards[V any](n int) []*shard[V] {
	out := make([]*shard[V], n)
	for i := range out {
		out[i] = &shard[V]{m: make(map[string]V)}
	}
	return out
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = 32
	}
	return &Registry{
		conns:  newShards[*Conn](shards),
		rooms:  newShards[map[string]*Conn](shards),
		actors: newShards[map[string]*Conn](shards),
		admit:  newShards[struct{}](shards),
	}
}

// lockActor 串行化同一 actor 的上限检查与绑定
func (r *Registry) lockActor(actorID string) (unlock func()) {
	s := pick(r.admit, actorID)
	s.mu.Lock()
	return s.mu.Unlock
}

func pick[V any](ss []*shard[V], key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return ss[h.Sum32()%uint32(len(ss))]
}

// ===== conn 索引 =====

func (r *Registry) addConn(c *Conn) {
	s := pick(r.conns, c.ID)
	s.mu.Lock()
	s.m[c.ID] = c
	s.mu.Unlock()
}

func (r *Registry) removeConn(c *Conn) {
	s := pick(r.conns, c.ID)
	s.mu.Lock()
	if cur, ok := s.m[c.ID]; ok && cur == c {
		delete(s.m, c.ID)
	}
	s.mu.Unlock()
}

func (r *Registry) Get(connID string) *Conn {
	s := pick(r.conns, connID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[connID]
}

// Conns 所有连接的快照
func (r *Registry) Conns() []*Conn {
	var out []*Conn
	for _, s := range r.conns {
		s.mu.RLock()
		for _, c := range s.m {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.conns {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// ===== 成员集合（room / actor 共用） =====

func addMember(ss []*shard[map[string]*Conn], key string, c *Conn) {
	s := pick(ss, key)
	s.mu.Lock()
	m := s.m[key]
	if m == nil {
		m = make(map[string]*Conn)
		s.m[key] = m
	}
	m[c.ID] = c
	s.mu.Unlock()
}

func removeMember(ss []*shard[map[string]*Conn], key string, c *Conn) {
	s := pick(ss, key)
	s.mu.Lock()
	if m := s.m[key]; m != nil {
		if cur, ok := m[c.ID]; ok && cur == c {
			delete(m, c.ID)
		}
		if len(m) == 0 {
			delete(s.m, key)
		}
	}
	s.mu.Unlock()
}

func members(ss []*shard[map[string]*Conn], key string) []*Conn {
	s := pick(ss, key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.m[key]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Members 房间成员快照
func (r *Registry) Members(room string) []*Conn { return members(r.rooms, room) }

// ByActor 某用户的全部连接快照
func (r *Registry) ByActor(actorID string) []*Conn { return members(r.actors, actorID) }

func (r *Registry) RoomSize(room string) int {
	s := pick(r.rooms, room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m[room])
}
