package chat

import "context"

// Handler 按帧类型注册到 Dispatcher
type Handler interface {
	Type() string
	RequiresAuth() bool
	Handle(*ChatContext, *Frame, *WsConn) error
}

type ChatContext struct {
	Ctx context.Context
	S   *Server
}
