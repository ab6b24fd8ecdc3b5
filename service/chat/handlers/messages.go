package handlers

import (
	"FriendChat/service/chat"
)

// ===== subscribe / unsubscribe =====

type SubscribeHandler struct{}

func NewSubscribeHandler() chat.Handler        { return &SubscribeHandler{} }
func (h *SubscribeHandler) Type() string       { return chat.TypeSubscribe }
func (h *SubscribeHandler) RequiresAuth() bool { return true }

// Handle 只登记后续消息，不回放历史；客户端另发 fetch_history 补齐
func (h *SubscribeHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.FriendReq](f)
	if err != nil {
		return err
	}
	key, err := c.S.ChannelFor(c.Ctx, conn.UserId, req.Friend)
	if err != nil {
		conn.Reply(chat.EventSubscribeResult, f.ID, chat.SubscribeResult{Result: chat.Failed(err)})
		return nil
	}
	c.S.Broadcaster().Subscribe(key, conn)
	conn.Reply(chat.EventSubscribeResult, f.ID, chat.SubscribeResult{Result: chat.OKResult(), ChannelKey: key})
	return nil
}

type UnsubscribeHandler struct{}

func NewUnsubscribeHandler() chat.Handler        { return &UnsubscribeHandler{} }
func (h *UnsubscribeHandler) Type() string       { return chat.TypeUnsubscribe }
func (h *UnsubscribeHandler) RequiresAuth() bool { return true }

func (h *UnsubscribeHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.FriendReq](f)
	if err != nil {
		return err
	}
	key, err := c.S.ChannelFor(c.Ctx, conn.UserId, req.Friend)
	if err != nil {
		return err
	}
	c.S.Broadcaster().Unsubscribe(key, conn.SnowID)
	conn.Reply(chat.EventUnsubscribeResult, f.ID, chat.SubscribeResult{Result: chat.OKResult(), ChannelKey: key})
	return nil
}

// ===== send_message =====

type SendMessageHandler struct{}

func NewSendMessageHandler() chat.Handler        { return &SendMessageHandler{} }
func (h *SendMessageHandler) Type() string       { return chat.TypeSendMessage }
func (h *SendMessageHandler) RequiresAuth() bool { return true }

// Handle 发送方以连接身份为准；投递由追加回调完成，发送方其他已订阅的连接同样收到
func (h *SendMessageHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.SendMessageReq](f)
	if err != nil {
		return err
	}
	msg, err := c.S.SendMessage(c.Ctx, conn.UserId, req.Friend, req.Body)
	if err != nil {
		conn.Reply(chat.EventSendResult, f.ID, chat.SendResult{Result: chat.Failed(err)})
		return nil
	}
	conn.Reply(chat.EventSendResult, f.ID, chat.SendResult{
		Result:         chat.OKResult(),
		ChannelKey:     msg.ConversationID,
		SequenceNumber: msg.Seq,
	})
	return nil
}

// ===== fetch_history =====

type FetchHistoryHandler struct{}

func NewFetchHistoryHandler() chat.Handler        { return &FetchHistoryHandler{} }
func (h *FetchHistoryHandler) Type() string       { return chat.TypeFetchHistory }
func (h *FetchHistoryHandler) RequiresAuth() bool { return true }

func (h *FetchHistoryHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.FetchHistoryReq](f)
	if err != nil {
		return err
	}
	key, msgs, err := c.S.History(c.Ctx, conn.UserId, req.Friend, req.Limit)
	if err != nil {
		return err
	}
	conn.Reply(chat.EventHistoryResult, f.ID, chat.HistoryResult{ChannelKey: key, Messages: msgs})
	return nil
}
