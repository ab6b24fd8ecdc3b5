package ids

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator 雪花 ID：41 位毫秒时间戳 | 10 位节点 | 12 位序列
type Generator struct {
	mu      sync.Mutex
	epochMS int64
	nodeID  int64
	seq     int64
	lastMS  int64
	now     func() time.Time
}

func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	return &Generator{epochMS: epoch.UnixMilli(), nodeID: nodeID, now: time.Now}
}

var (
	defaultGen = NewGenerator(1)
	defaultMu  sync.RWMutex
)

// Generate 使用默认生成器
func Generate() int64 {
	defaultMu.RLock()
	g := defaultGen
	defaultMu.RUnlock()
	return g.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 设置默认生成器的节点号（0~1023），main 启动时调用
func SetNodeID(nodeID int64) {
	defaultMu.Lock()
	defaultGen = NewGenerator(nodeID)
	defaultMu.Unlock()
}

// NodeIDFromName 把 "gateway-3" 这类节点名稳定映射到 0~1023
func NodeIDFromName(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)) % (maxNode + 1))
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastMS {
			// 时钟回拨，等待追平
			time.Sleep(time.Duration(g.lastMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastMS {
			g.seq = (g.seq + 1) & seqMask
			if g.seq == 0 {
				// 本毫秒序列用尽
				for now <= g.lastMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastMS = now

		ts := (now - g.epochMS) & (1<<41 - 1)
		return ts<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
	}
}

// NodeOf 从 ID 中取回节点号
func NodeOf(id int64) int64 {
	return (id >> seqBits) & maxNode
}
