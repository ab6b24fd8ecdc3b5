package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	chatmodel "FriendChat/module/chat/model"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockConfig() *sarama.Config {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

func msgOf(seq int64) chatmodel.Message {
	return chatmodel.Message{
		ConversationID: "alice:bob",
		Seq:            seq,
		SendID:         "alice",
		Content:        "hello",
		SendTime:       time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestSinkPublishesMessageEvents(t *testing.T) {
	p := mocks.NewAsyncProducer(t, mockConfig())
	for i := int64(1); i <= 3; i++ {
		seq := i
		p.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
			var m chatmodel.Message
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			if m.Seq != seq || m.ConversationID != "alice:bob" {
				return errors.New("unexpected message event")
			}
			return nil
		})
	}
	p.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	s := NewSinkFromProducer(p, "events", 8)
	for i := int64(1); i <= 4; i++ {
		s.OnAppend(msgOf(i))
	}
	require.NoError(t, s.Close())

	sent, failed, dropped := s.Stats()
	assert.Equal(t, uint64(3), sent)
	assert.Equal(t, uint64(1), failed)
	assert.Zero(t, dropped)

	// 关闭后的追加被忽略
	s.OnAppend(msgOf(5))
	assert.NoError(t, s.Close())
}

func TestBuildBaseConfig(t *testing.T) {
	cfg, err := BuildBaseConfig(SinkConfig{Version: "2.1.0", ProducerCompression: "lz4", ConsumerInitialOffset: "oldest"})
	require.NoError(t, err)
	assert.Equal(t, sarama.V2_1_0_0, cfg.Version)
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	require.NoError(t, cfg.Validate())

	_, err = BuildBaseConfig(SinkConfig{Version: "not-a-version"})
	assert.Error(t, err)
}

// ===== 消费端 =====

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (f *fakeSession) Claims() map[string][]int32               { return nil }
func (f *fakeSession) MemberID() string                         { return "member-1" }
func (f *fakeSession) GenerationID() int32                      { return 1 }
func (f *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (f *fakeSession) Commit()                                  {}
func (f *fakeSession) ResetOffset(string, int32, int64, string) {}
func (f *fakeSession) Context() context.Context                 { return f.ctx }
func (f *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, m.Offset)
}

type fakeClaim struct{ ch chan *sarama.ConsumerMessage }

func (f *fakeClaim) Topic() string                            { return "events" }
func (f *fakeClaim) Partition() int32                         { return 0 }
func (f *fakeClaim) InitialOffset() int64                     { return 0 }
func (f *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (f *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return f.ch }

func TestConsumeClaimDecodesAndMarks(t *testing.T) {
	var got []chatmodel.Message
	h := NewConsumerGroupHandler(func(_ context.Context, m chatmodel.Message) error {
		got = append(got, m)
		return nil
	})

	good, _ := json.Marshal(msgOf(1))
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "events", Offset: 10, Value: good}
	claim.ch <- &sarama.ConsumerMessage{Topic: "events", Offset: 11, Value: []byte("{")}
	close(claim.ch)

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.Setup(sess))
	require.NoError(t, h.ConsumeClaim(sess, claim))
	require.NoError(t, h.Cleanup(sess))

	require.Len(t, got, 1)
	assert.Equal(t, msgOf(1), got[0])
	assert.Equal(t, []int64{10, 11}, sess.marked)
}
