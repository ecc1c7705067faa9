package chat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State 连接生命周期：Connecting -> Authenticated -> Disconnected（终态）
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn 单条实时连接。发送队列有界，写协程独占底层 socket。
type Conn struct {
	ID        string
	Remote    string
	CreatedAt time.Time

	mu       sync.Mutex
	actorID  string
	state    State
	rooms    map[string]struct{}
	lastSeen time.Time
	closer   func()

	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64
	frames  *rate.Limiter
}

func newConn(id, remote string, now time.Time, queue int, frameRate float64, burst int) *Conn {
	if queue <= 0 {
		queue = 256
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if frameRate > 0 {
		lim = rate.NewLimiter(rate.Limit(frameRate), burst)
	}
	return &Conn{
		ID:        id,
		Remote:    remote,
		CreatedAt: now,
		state:     StateConnecting,
		rooms:     make(map[string]struct{}),
		lastSeen:  now,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		frames:    lim,
	}
}

// NewConn 供传输层之外的调用方（单测、长轮询适配）直接构造连接。
func NewConn(id string, queue int) *Conn {
	return newConn(id, "", time.Now(), queue, 0, 0)
}

func (c *Conn) ActorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actorID
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Rooms 当前加入的房间（排序后的副本）
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// SetCloser 注册关闭底层传输的回调，断开时调用一次。
func (c *Conn) SetCloser(f func()) {
	c.mu.Lock()
	c.closer = f
	c.mu.Unlock()
}

// Send 写协程读取的出站队列
func (c *Conn) Send() <-chan []byte { return c.send }

// Done 断开后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dropped 因队列满被丢弃的帧数
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// AllowFrame 入站帧洪泛保护
func (c *Conn) AllowFrame() bool { return c.frames.Allow() }

// Enqueue 非阻塞入队；连接已断开或队列已满返回 false。
func (c *Conn) Enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// 调用方必须持有 c.mu
func (c *Conn) shutdownLocked() (closer func(), rooms []string, actor string, was State) {
	was = c.state
	if was == StateDisconnected {
		return nil, nil, "", was
	}
	c.state = StateDisconnected
	close(c.done)
	rooms = make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.rooms = map[string]struct{}{}
	closer, c.closer = c.closer, nil
	return closer, rooms, c.actorID, was
}
