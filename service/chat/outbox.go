package chat

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// OverflowPolicy 出站队列满时的处理方式
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowDisconnect:
		return OverflowDisconnect, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Outbox 每连接独立的有界发送队列，由单个写协程消费
type Outbox struct {
	mu      sync.Mutex
	ch      chan []byte
	policy  OverflowPolicy
	closed  bool
	dropped atomic.Uint64
}

func NewOutbox(size int, policy OverflowPolicy) *Outbox {
	if size <= 0 {
		size = 256
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	return &Outbox{ch: make(chan []byte, size), policy: policy}
}

// Push 永不阻塞。返回 false 表示队列已关闭（包括因溢出被关闭）
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- frame:
		return true
	default:
	}

	if o.policy == OverflowDisconnect {
		o.closeLocked()
		outboxOverflowTotal.WithLabelValues(string(o.policy)).Inc()
		return false
	}

	// 只有写协程在读，持锁期间腾出的位置不会被别的生产者抢走
	select {
	case <-o.ch:
		o.dropped.Add(1)
		outboxOverflowTotal.WithLabelValues(string(o.policy)).Inc()
	default:
	}
	select {
	case o.ch <- frame:
		return true
	default:
		return false
	}
}

// C 写协程读取；关闭后读完剩余帧得到 !ok
func (o *Outbox) C() <-chan []byte { return o.ch }

func (o *Outbox) Close() {
	o.mu.Lock()
	o.closeLocked()
	o.mu.Unlock()
}

func (o *Outbox) closeLocked() {
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

func (o *Outbox) Len() int { return len(o.ch) }
