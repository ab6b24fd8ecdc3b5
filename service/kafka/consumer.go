package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// MessageHandler 处理一条消息事件；返回错误只记日志，offset 照常提交
type MessageHandler func(ctx context.Context, msg chatmodel.Message) error

// ConsumerGroupHandler 把 topic 里的消息事件解码后交给 MessageHandler
type ConsumerGroupHandler struct {
	handle MessageHandler
}

func NewConsumerGroupHandler(h MessageHandler) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{handle: h}
}

func (h *ConsumerGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	logger.Info("consumer group setup", zap.String("member", sess.MemberID()))
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("consumer group cleanup")
	return nil
}

func (h *ConsumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for km := range claim.Messages() {
		var m chatmodel.Message
		if err := json.Unmarshal(km.Value, &m); err != nil {
			logger.Warn("bad message event", zap.String("topic", km.Topic), zap.Int64("offset", km.Offset), zap.Error(err))
		} else if err := h.handle(sess.Context(), m); err != nil {
			logger.Warn("message event handler error", zap.String("channel", m.ConversationID), zap.Int64("seq", m.Seq), zap.Error(err))
		}
		sess.MarkMessage(km, "")
	}
	return nil
}

// Tail 以消费组方式持续读取消息事件，直到 ctx 结束
func Tail(ctx context.Context, c SinkConfig, h MessageHandler) error {
	c.norm()
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, cfg)
	if err != nil {
		return err
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	handler := NewConsumerGroupHandler(h)
	for {
		if err := group.Consume(ctx, []string{c.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Warn("consume error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
