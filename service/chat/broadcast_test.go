package chat

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	chatmodel "FriendChat/module/chat/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recSub struct {
	id   string
	mu   sync.Mutex
	got  []chatmodel.Message
	dead bool
}

func (r *recSub) ID() string { return r.id }

func (r *recSub) Deliver(m chatmodel.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.got = append(r.got, m)
	return true
}

func (r *recSub) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.got))
	for _, m := range r.got {
		out = append(out, m.Seq)
	}
	return out
}

func msg(key string, seq int64) chatmodel.Message {
	return chatmodel.Message{ConversationID: key, Seq: seq, SendID: "alice", Content: "x", SendTime: time.Now()}
}

func TestPublishDeliversOnlyToChannelSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a, c := &recSub{id: "a"}, &recSub{id: "c"}
	b.Subscribe("alice:bob", a)
	b.Subscribe("alice:carol", c)

	for i := int64(1); i <= 3; i++ {
		assert.Equal(t, 1, b.Publish(msg("alice:bob", i)))
	}
	b.Publish(msg("alice:carol", 1))
	assert.Zero(t, b.Publish(msg("bob:carol", 1)))

	assert.Equal(t, []int64{1, 2, 3}, a.seqs())
	assert.Equal(t, []int64{1}, c.seqs())
}

func TestPublishDeliversLateSequenceOnce(t *testing.T) {
	b := NewBroadcaster()
	a := &recSub{id: "a"}
	b.Subscribe("k", a)

	// 本节点先发 1、3，另一节点的 2 经转发晚到
	assert.Equal(t, 1, b.Publish(msg("k", 1)))
	assert.Equal(t, 1, b.Publish(msg("k", 3)))
	assert.Equal(t, 1, b.Publish(msg("k", 2)))
	assert.Zero(t, b.Publish(msg("k", 2)))
	assert.Zero(t, b.Publish(msg("k", 3)))
	assert.Zero(t, b.Publish(msg("k", 1)))
	assert.Equal(t, 1, b.Publish(msg("k", 4)))

	assert.Equal(t, []int64{1, 3, 2, 4}, a.seqs())
}

func TestSeqWindow(t *testing.T) {
	var w seqWindow
	for _, s := range []int64{1, 2, 5, 4} {
		require.True(t, w.mark(s))
	}
	assert.Equal(t, int64(2), w.floor)
	assert.Len(t, w.above, 2)

	require.True(t, w.mark(3))
	assert.Equal(t, int64(5), w.floor)
	assert.Empty(t, w.above)
	assert.False(t, w.mark(4))
}

// 空洞一直不补时窗口有上限，越过后新的 seq 仍能投递
func TestSeqWindowIsBounded(t *testing.T) {
	var w seqWindow
	require.True(t, w.mark(1))
	for s := int64(3); s < 3+seqWindowMax+10; s++ {
		require.True(t, w.mark(s))
		require.LessOrEqual(t, len(w.above), seqWindowMax)
	}
	assert.Equal(t, int64(3+seqWindowMax+9), w.floor)
	assert.Empty(t, w.above)
	assert.False(t, w.mark(2))
	assert.True(t, w.mark(3+seqWindowMax+10))
}

func TestSubscribeIsIdempotentAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	a := &recSub{id: "a"}
	b.Subscribe("k", a)
	b.Subscribe("k", a)
	assert.Equal(t, []string{"a"}, b.Subscribers("k"))

	b.Publish(msg("k", 1))
	b.Unsubscribe("k", "a")
	b.Publish(msg("k", 2))

	assert.Equal(t, []int64{1}, a.seqs())
	assert.Empty(t, b.Subscribers("k"))
	assert.Empty(t, b.Channels("a"))
}

func TestDeadSubscriberIsDropped(t *testing.T) {
	b := NewBroadcaster()
	a := &recSub{id: "a", dead: true}
	live := &recSub{id: "live"}
	b.Subscribe("k", a)
	b.Subscribe("j", a)
	b.Subscribe("k", live)

	assert.Equal(t, 1, b.Publish(msg("k", 1)))
	assert.Equal(t, []string{"live"}, b.Subscribers("k"))
	assert.Empty(t, b.Channels("a"))
}

// 慢订阅者的队列写满也不影响其他订阅者和发布方
func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster()
	slow := &outboxSub{id: "slow", out: NewOutbox(1, OverflowDropOldest)}
	fast := &recSub{id: "fast"}
	b.Subscribe("k", slow)
	b.Subscribe("k", fast)

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 100; i++ {
			b.Publish(msg("k", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Len(t, fast.seqs(), 100)
	assert.Equal(t, uint64(99), slow.out.Dropped())
}

type outboxSub struct {
	id  string
	out *Outbox
}

func (o *outboxSub) ID() string { return o.id }
func (o *outboxSub) Deliver(m chatmodel.Message) bool {
	return o.out.Push(Encode(EventMessageDelivered, "", m))
}

func TestUnsubscribeAllIsAtomic(t *testing.T) {
	b := NewBroadcaster()
	var n atomic.Int64
	sub := &countSub{id: "s", n: &n}
	keys := []string{"a:b", "a:c", "a:d"}
	for _, k := range keys {
		b.Subscribe(k, sub)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			for seq := int64(1); ; seq++ {
				select {
				case <-stop:
					return
				default:
					b.Publish(msg(k, seq))
				}
			}
		}(k)
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, b.UnsubscribeAll("s"))
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, after, n.Load())
	for _, k := range keys {
		assert.Empty(t, b.Subscribers(k))
	}
}

type countSub struct {
	id string
	n  *atomic.Int64
}

func (c *countSub) ID() string { return c.id }
func (c *countSub) Deliver(chatmodel.Message) bool {
	c.n.Add(1)
	return true
}
