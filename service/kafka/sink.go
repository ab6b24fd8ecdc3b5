package kafka

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Sink 把落库成功的消息异步写入 Kafka；队列满即丢弃，不拖慢发送方
type Sink struct {
	topic  string
	client sarama.Client
	prod   sarama.AsyncProducer
	queue  chan *sarama.ProducerMessage

	closeOnce sync.Once
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewSink 连接 Kafka，按需建 topic，并启动异步生产者
func NewSink(c SinkConfig) (*Sink, error) {
	c.norm()
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, err
	}
	if c.AutoCreateTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := EnsureTopic(admin, c.Topic, c.PartitionsPerTopic, c.ReplicationFactor); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	p, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s := NewSinkFromProducer(p, c.Topic, c.QueueSize)
	s.client = client
	return s, nil
}

// NewSinkFromProducer 使用现成的 AsyncProducer（测试注入 mocks）
func NewSinkFromProducer(p sarama.AsyncProducer, topic string, queueSize int) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	s := &Sink{
		topic: topic,
		prod:  p,
		queue: make(chan *sarama.ProducerMessage, queueSize),
	}
	s.wg.Add(3)
	go s.pump()
	go s.drainSuccesses()
	go s.drainErrors()
	return s
}

// OnAppend 作为会话追加回调
func (s *Sink) OnAppend(msg chatmodel.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("kafka sink encode failed", zap.Error(err))
		return
	}
	pm := &sarama.ProducerMessage{
		Topic:    s.topic,
		Key:      sarama.StringEncoder(msg.ConversationID),
		Value:    sarama.ByteEncoder(data),
		Metadata: msg.Seq,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- pm:
	default:
		if n := s.dropped.Add(1); n%1000 == 1 {
			logger.Warn("kafka sink queue full, dropping", zap.String("channel", msg.ConversationID), zap.Uint64("dropped", n))
		}
	}
}

func (s *Sink) pump() {
	defer s.wg.Done()
	for pm := range s.queue {
		s.prod.Input() <- pm
	}
	s.prod.AsyncClose()
}

func (s *Sink) drainSuccesses() {
	defer s.wg.Done()
	for pm := range s.prod.Successes() {
		s.sent.Add(1)
		logger.Debug("kafka sink delivered", zap.String("topic", pm.Topic), zap.Int32("partition", pm.Partition), zap.Int64("offset", pm.Offset))
	}
}

func (s *Sink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.prod.Errors() {
		s.failed.Add(1)
		logger.Warn("kafka sink delivery failed", zap.Error(perr.Err))
	}
}

// Stats 已确认/失败/丢弃计数
func (s *Sink) Stats() (sent, failed, dropped uint64) {
	return s.sent.Load(), s.failed.Load(), s.dropped.Load()
}

// Close 停止接收新消息，等待队列排空与生产者退出
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
		if s.client != nil {
			err = s.client.Close()
		}
	})
	return err
}
