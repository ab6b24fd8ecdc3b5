package chat

import (
	"FriendChat/logger"
	"FriendChat/tools/errs"
)

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

// Dispatch 未知类型报 InvalidRequest；未登录时除白名单外一律 NotAuthenticated
func (d *Dispatcher) Dispatch(ctx *ChatContext, f *Frame, conn *WsConn) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrInvalidRequest.WrapMsg("unknown frame type", "type", f.Type)
	}
	if h.RequiresAuth() && !conn.Authorized {
		return errs.ErrNotAuthenticated.WrapMsg("", "type", f.Type)
	}
	return h.Handle(ctx, f, conn)
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	h, ok := d.handlers[typ]
	if !ok {
		logger.Debugf("no handler for type=%v", typ)
		return nil
	}
	return h
}
