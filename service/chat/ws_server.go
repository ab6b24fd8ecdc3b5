package chat

import (
	"context"
	"errors"
	"net"
	"time"

	"FriendChat/logger"
	"FriendChat/middleware/resp"
	"FriendChat/tools/errs"
	"FriendChat/tools/ids"
	"FriendChat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS ===== WebSocket 处理 =====
// 读协程：解析、限流、分发；写协程（writePump）独占 socket 写
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}

	rec, err := s.connMgr.AddUnauth(ids.GenerateString(), ws)
	if err != nil {
		logger.Error("[HandleWS] register connection failed", zap.Error(err))
		_ = ws.Close()
		return
	}

	ws.SetReadLimit(s.conf.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	s.connMgr.AttachPongHandler(ws, rec.SnowID, s.conf.PongWait)

	safe.SafeGo("ws-writer-"+rec.SnowID, func() { s.writePump(rec) })

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		s.closeConn(rec)
	}()

	logger.Debug("[WS] connected", zap.String("snowID", rec.SnowID), zap.Stringer("remote", rec.Remote))

	// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("[WS] peer closed", zap.String("snowID", rec.SnowID))
			case errors.As(rerr, &ne) && ne.Timeout():
				logger.Info("[WS] read timeout", zap.String("snowID", rec.SnowID), zap.String("user", rec.UserId))
			default:
				logger.Debug("[WS] read err", zap.String("snowID", rec.SnowID), zap.Error(rerr))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		_ = s.connMgr.Heartbeat(rec.SnowID)

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(ctx, rec, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, rec *WsConn, data []byte) {
	f, perr := ParseFrame(data)
	if perr != nil {
		// 只打印简短样本
		sample := data
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Debug("[WS] bad frame", zap.String("snowID", rec.SnowID), zap.Error(perr), zap.ByteString("sample", sample))
		framesTotal.WithLabelValues("invalid", errs.ErrInvalidRequest.Msg).Inc()
		s.replyError(rec, "", errs.ErrInvalidRequest.WrapMsg(perr.Error()))
		return
	}

	if !rec.Allow() {
		framesTotal.WithLabelValues(f.Type, errs.ErrRateLimited.Msg).Inc()
		s.replyError(rec, f.ID, errs.ErrRateLimited.Wrap())
		return
	}

	start := time.Now()
	herr := s.disp.Dispatch(s.withCtx(ctx), f, rec)
	frameDuration.WithLabelValues(metricType(s, f.Type)).Observe(time.Since(start).Seconds())
	if herr != nil {
		_, reason := errs.Reason(herr)
		framesTotal.WithLabelValues(metricType(s, f.Type), reason).Inc()
		s.replyError(rec, f.ID, herr)
		return
	}
	framesTotal.WithLabelValues(f.Type, "ok").Inc()
}

// 未知类型不进标签，防止基数爆炸
func metricType(s *Server, typ string) string {
	if s.disp.GetHandler(typ) == nil {
		return "unknown"
	}
	return typ
}

// replyError 只回给发起方；服务端错误额外打日志
func (s *Server) replyError(rec *WsConn, id string, err error) {
	body := resp.ErrorOf(err)
	if body.Code == errs.ServerInternalError || body.Code == errs.StoreUnavailableError {
		logger.Error("[WS] request failed", zap.String("snowID", rec.SnowID), zap.String("user", rec.UserId), zap.Error(err))
	}
	rec.Reply(EventError, id, body)
}

// closeConn 断线收尾：先原子地取消全部订阅，再从管理器摘除并等写协程退出
func (s *Server) closeConn(rec *WsConn) {
	n := s.bc.UnsubscribeAll(rec.SnowID)
	s.connMgr.RemoveBySnow(rec.SnowID)
	rec.out.Close()

	select {
	case <-rec.writerDone:
	case <-time.After(s.conf.WriteWait + time.Second):
		_ = rec.Conn.Close()
	}
	logger.Debug("[WS] closed", zap.String("snowID", rec.SnowID), zap.String("user", rec.UserId), zap.Int("subscriptions", n))
}

// writePump 循环处理：优先业务帧，其次首个 ping，再常规 ping
func (s *Server) writePump(rec *WsConn) {
	ticker := time.NewTicker(s.conf.PingInterval)
	first := time.NewTimer(s.conf.FirstPingDelay)
	defer func() {
		ticker.Stop()
		first.Stop()
		// 统一由写协程发 Close 并关闭底层连接
		_ = rec.Conn.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = rec.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = rec.Conn.Close()
		close(rec.writerDone)
	}()

	ping := func() bool {
		if err := rec.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.conf.WriteWait)); err != nil {
			logger.Debug("[WS] ping err", zap.String("snowID", rec.SnowID), zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case payload, ok := <-rec.out.C():
			if !ok {
				return
			}
			_ = rec.Conn.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := rec.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("[WS] write payload err", zap.String("snowID", rec.SnowID), zap.Error(err))
				rec.out.Close()
				return
			}
		case <-first.C:
			if !ping() {
				rec.out.Close()
				return
			}
		case <-ticker.C:
			if !ping() {
				rec.out.Close()
				return
			}
		}
	}
}
