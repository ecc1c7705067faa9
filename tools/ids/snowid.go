package ids

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 41 位毫秒时间戳 | 10 位节点 | 12 位序列
const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator 雪花 ID 生成器；连接 ID、消息 ID 都走它
type Generator struct {
	mu     sync.Mutex
	nodeID int64
	seq    int64
	lastMS int64
	now    func() time.Time
}

func NewGenerator(nodeID int64, now func() time.Time) *Generator {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{nodeID: nodeID, now: now}
}

var (
	defaultMu  sync.RWMutex
	defaultGen = NewGenerator(1, nil)
)

// SetNodeID 设置默认生成器的节点号（0~1023），在 main 初始化时调用
func SetNodeID(nodeID int64) {
	defaultMu.Lock()
	defaultGen = NewGenerator(nodeID, nil)
	defaultMu.Unlock()
}

// Generate 生成一个新的雪花ID
func Generate() int64 {
	defaultMu.RLock()
	g := defaultGen
	defaultMu.RUnlock()
	return g.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// NewUUID 客户端消息 ID / 跨节点事件 ID
func NewUUID() string {
	return uuid.NewString()
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().Sub(epoch).Milliseconds()
	if ms < g.lastMS {
		// 时钟回拨：沿用上一毫秒继续发号，保证单调
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 序列溢出，借用下一毫秒
			ms++
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	return (ms&(1<<41-1))<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
}

// NodeOf 从 ID 中取出节点号
func NodeOf(id int64) int64 {
	return (id >> seqBits) & maxNode
}
