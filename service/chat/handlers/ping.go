package handlers

import (
	"FriendChat/service/chat"
)

// PingHandler 应用层心跳；协议层 ping/pong 由写协程和 PongHandler 负责
type PingHandler struct{}

func NewPingHandler() chat.Handler        { return &PingHandler{} }
func (h *PingHandler) Type() string       { return chat.TypePing }
func (h *PingHandler) RequiresAuth() bool { return false }

func (h *PingHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	conn.Reply(chat.EventPong, f.ID, struct{}{})
	return nil
}
