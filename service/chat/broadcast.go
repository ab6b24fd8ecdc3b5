package chat

import (
	"sync"

	chatmodel "FriendChat/module/chat/model"
)

// Subscriber 由连接实现；Deliver 必须立即返回，false 表示订阅者已失效
type Subscriber interface {
	ID() string
	Deliver(msg chatmodel.Message) bool
}

// seqWindowMax 窗口内零散 seq 的上限；空洞迟迟不补时放弃等待，由客户端拉历史补齐
const seqWindowMax = 1024

// seqWindow 已发布的 seq：floor 及以下全部见过，above 是 floor 之上零散见过的
type seqWindow struct {
	floor int64
	above map[int64]struct{}
}

// mark 第一次见到该 seq 返回 true
func (w *seqWindow) mark(seq int64) bool {
	if seq <= w.floor {
		return false
	}
	if seq == w.floor+1 && len(w.above) == 0 {
		w.floor = seq
		return true
	}
	if _, ok := w.above[seq]; ok {
		return false
	}
	if w.above == nil {
		w.above = make(map[int64]struct{})
	}
	w.above[seq] = struct{}{}
	if len(w.above) > seqWindowMax {
		lowest := seq
		for s := range w.above {
			if s < lowest {
				lowest = s
			}
		}
		w.floor = lowest - 1
	}
	for {
		if _, ok := w.above[w.floor+1]; !ok {
			break
		}
		w.floor++
		delete(w.above, w.floor)
	}
	return true
}

type channelSubs struct {
	mu   sync.Mutex
	subs map[string]Subscriber
	seen seqWindow
}

// Broadcaster 按会话键扇出新消息，每个 seq 只投递一次，不重放历史。
// 本节点的追加按 seq 递增到达；跨节点转发晚到的 seq 照常投递，客户端按 seq 排序
type Broadcaster struct {
	mu        sync.RWMutex
	byChannel map[string]*channelSubs
	bySub     map[string]map[string]struct{} // subID -> channelKey 集合
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		byChannel: make(map[string]*channelSubs),
		bySub:     make(map[string]map[string]struct{}),
	}
}

// Subscribe 重复订阅是空操作
func (b *Broadcaster) Subscribe(key string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.byChannel[key]
	if cs == nil {
		cs = &channelSubs{subs: make(map[string]Subscriber)}
		b.byChannel[key] = cs
	}
	cs.mu.Lock()
	cs.subs[sub.ID()] = sub
	cs.mu.Unlock()

	keys := b.bySub[sub.ID()]
	if keys == nil {
		keys = make(map[string]struct{})
		b.bySub[sub.ID()] = keys
	}
	keys[key] = struct{}{}
}

func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(key, subID)
}

func (b *Broadcaster) unsubscribeLocked(key, subID string) {
	if cs := b.byChannel[key]; cs != nil {
		cs.mu.Lock()
		delete(cs.subs, subID)
		cs.mu.Unlock()
	}
	if keys := b.bySub[subID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(b.bySub, subID)
		}
	}
}

// UnsubscribeAll 断线时调用；返回后该订阅者不会再收到任何投递
func (b *Broadcaster) UnsubscribeAll(subID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := b.bySub[subID]
	n := len(keys)
	for key := range keys {
		b.unsubscribeLocked(key, subID)
	}
	return n
}

// Publish 已发布过的 seq 直接丢弃（跨节点转发的重复）；晚到但没见过的照常投递
func (b *Broadcaster) Publish(msg chatmodel.Message) int {
	b.mu.RLock()
	cs := b.byChannel[msg.ConversationID]
	b.mu.RUnlock()
	if cs == nil {
		return 0
	}

	var dead []string
	delivered := 0

	cs.mu.Lock()
	if !cs.seen.mark(msg.Seq) {
		cs.mu.Unlock()
		duplicatePublishTotal.Inc()
		return 0
	}
	for id, sub := range cs.subs {
		if sub.Deliver(msg) {
			delivered++
		} else {
			dead = append(dead, id)
		}
	}
	cs.mu.Unlock()

	for _, id := range dead {
		b.UnsubscribeAll(id)
	}
	deliveriesTotal.Add(float64(delivered))
	return delivered
}

// Subscribers 当前订阅者 ID 快照
func (b *Broadcaster) Subscribers(key string) []string {
	b.mu.RLock()
	cs := b.byChannel[key]
	b.mu.RUnlock()
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, 0, len(cs.subs))
	for id := range cs.subs {
		out = append(out, id)
	}
	return out
}

// Channels 某订阅者订阅了哪些会话
func (b *Broadcaster) Channels(subID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.bySub[subID]))
	for key := range b.bySub[subID] {
		out = append(out, key)
	}
	return out
}
