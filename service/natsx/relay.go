package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"

	"go.uber.org/zap"
)

const (
	RelayBiz            = "chat.relay"
	DefaultRelaySubject = "friendchat.messages"

	headerNode = "X-Node"
)

// Envelope 跨节点转发的消息体
type Envelope struct {
	Node    string            `json:"node"`
	Message chatmodel.Message `json:"message"`
}

// LocalPublisher 本节点的扇出入口（Broadcaster 按 seq 去重）
type LocalPublisher interface {
	Publish(msg chatmodel.Message) int
}

type RelayConf struct {
	Subject string        `mapstructure:"subject" yaml:"subject"`
	IdemTTL time.Duration `mapstructure:"idem_ttl" yaml:"idem_ttl"`
}

// Relay 把本节点落库的消息广播给其他节点，并把其他节点的消息交给本地扇出
type Relay struct {
	node    string
	local   LocalPublisher
	client  *NatsxClient
	prod    *NatsxProducer
	idem    *MemIdem
	ttl     time.Duration
	subject string

	// 测试可替换
	publish func(data []byte, hdr map[string]string, msgID string) error
}

func NewRelay(client *NatsxClient, node string, local LocalPublisher, conf RelayConf) (*Relay, error) {
	if node == "" {
		return nil, errors.New("relay node id required")
	}
	if conf.Subject == "" {
		conf.Subject = DefaultRelaySubject
	}
	if conf.IdemTTL <= 0 {
		conf.IdemTTL = 2 * time.Minute
	}
	r := &Relay{
		node:    node,
		local:   local,
		client:  client,
		idem:    NewMemIdem(conf.IdemTTL),
		ttl:     conf.IdemTTL,
		subject: conf.Subject,
	}
	if client != nil {
		if err := client.RegisterRoute(NatsxRoute{Biz: RelayBiz, Subject: conf.Subject}); err != nil {
			return nil, err
		}
		r.prod = NewNatsxProducer(client)
		r.publish = func(data []byte, hdr map[string]string, msgID string) error {
			return r.prod.PublishOnce(RelayBiz, data, hdr, msgID)
		}
	}
	return r, nil
}

// Start 订阅转发主题；ctx 结束时停止清理协程
func (r *Relay) Start(ctx context.Context) error {
	if r.client == nil {
		return errors.New("relay has no nats client")
	}
	cs := NewNatsxConsumer(r.client, NatsxIdemMiddleware(r.idem, r.ttl))
	if err := cs.Subscribe(RelayBiz, r.handle); err != nil {
		return err
	}
	go r.idem.Run(ctx, r.ttl)
	logger.Info("nats relay started", zap.String("node", r.node), zap.String("subject", r.subject))
	return nil
}

// OnAppend 作为会话追加回调：只写本地缓冲，失败记日志不阻塞发送方
func (r *Relay) OnAppend(msg chatmodel.Message) {
	if r.publish == nil {
		return
	}
	data, err := json.Marshal(Envelope{Node: r.node, Message: msg})
	if err != nil {
		logger.Error("relay encode failed", zap.Error(err))
		return
	}
	hdr := map[string]string{headerNode: r.node}
	if err := r.publish(data, hdr, relayMsgID(msg)); err != nil {
		logger.Warn("relay publish failed",
			zap.String("channel", msg.ConversationID), zap.Int64("seq", msg.Seq), zap.Error(err))
	}
}

func (r *Relay) handle(_ context.Context, m NatsxMessage) error {
	if m.Header[headerNode] == r.node {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		logger.Warn("relay decode failed", zap.String("subject", m.Subject), zap.Error(err))
		return err
	}
	if env.Node == r.node {
		return nil
	}
	if env.Message.ConversationID == "" || env.Message.Seq <= 0 {
		return errors.New("relay envelope missing channel or seq")
	}
	r.local.Publish(env.Message)
	return nil
}

func relayMsgID(m chatmodel.Message) string {
	return m.ConversationID + "#" + strconv.FormatInt(m.Seq, 10)
}
